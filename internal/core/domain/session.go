package domain

import "time"

type SessionID string

// AuthSession is a logged-in browser session carried by cookie.
type AuthSession struct {
	ID         SessionID `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastAccess time.Time `json:"last_access"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent"`
	Secure     bool      `json:"secure"`
}

// Expired reports whether the session passed its absolute expiry or sat
// idle longer than idle.
func (s *AuthSession) Expired(now time.Time, idle time.Duration) bool {
	if !now.Before(s.ExpiresAt) {
		return true
	}
	return idle > 0 && now.Sub(s.LastAccess) > idle
}

const StreamScope = "stream"

// StreamToken is a capability to open the live stream. Its lifetime does
// not depend on the session that minted it.
type StreamToken struct {
	ID        string    `json:"id"`
	Value     string    `json:"token"`
	SessionID SessionID `json:"session_id"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ClientInfo struct {
	IP        string
	UserAgent string
	Secure    bool
}

type SessionStats struct {
	ActiveSessions int   `json:"active_sessions"`
	LoginAttempts  int64 `json:"login_attempts"`
	FailedLogins   int64 `json:"failed_logins"`
	BlockedIPs     int   `json:"blocked_ips"`
	TokensIssued   int64 `json:"tokens_issued"`
}
