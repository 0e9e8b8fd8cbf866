package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/pkg/tracing"
	"camstream/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type AuthConfig struct {
	Password          string
	APIKey            string
	JWTSecret         string
	SessionTTL        time.Duration
	IdleTimeout       time.Duration
	MaxSessions       int
	StreamTokenTTL    time.Duration
	ReusableTokens    bool
	CleanupInterval   time.Duration
	MaxFailedLogins   int
	FailedLoginWindow time.Duration
}

// AuthMetrics is the part of the metrics collector the auth service
// reports to.
type AuthMetrics interface {
	RecordLogin(outcome string)
	RecordStreamToken(outcome string)
	SetActiveSessions(n int)
}

// StreamClaims are carried by stream capability tokens.
type StreamClaims struct {
	Scope     string `json:"scope"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type AuthOption func(*authService)

func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *authService) { s.now = now }
}

func WithAuthMetrics(m AuthMetrics) AuthOption {
	return func(s *authService) { s.metrics = m }
}

type authService struct {
	cfg      AuthConfig
	secret   []byte
	sessions ports.SessionRepository
	tokens   ports.StreamTokenRepository
	guard    *LoginGuard
	metrics  AuthMetrics
	logger   *zap.SugaredLogger
	now      func() time.Time

	// createMu serializes the max-sessions check with the insert.
	createMu sync.Mutex

	loginAttempts atomic.Int64
	failedLogins  atomic.Int64
	tokensIssued  atomic.Int64
}

func NewAuthService(
	cfg AuthConfig,
	sessions ports.SessionRepository,
	tokens ports.StreamTokenRepository,
	logger *zap.SugaredLogger,
	opts ...AuthOption,
) ports.AuthService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.StreamTokenTTL <= 0 {
		cfg.StreamTokenTTL = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	s := &authService{
		cfg:      cfg,
		secret:   []byte(cfg.JWTSecret),
		sessions: sessions,
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = NewLoginGuard(cfg.MaxFailedLogins, cfg.FailedLoginWindow, s.now)
	return s
}

// secretEqual compares digests so neither content nor length leaks
// through timing.
func secretEqual(given, want string) bool {
	a := sha256.Sum256([]byte(given))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (s *authService) recordLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(outcome)
	}
}

func (s *authService) recordToken(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordStreamToken(outcome)
	}
}

func (s *authService) Login(ctx context.Context, password string, client domain.ClientInfo) (*domain.AuthSession, error) {
	ctx, span := tracing.TraceAuth(ctx, "login")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.ClientIPKey.String(client.IP))

	if s.guard.Blocked(client.IP) {
		s.recordLogin("blocked")
		tracing.AddSpanAttributes(ctx, tracing.AuthOutcomeKey.String("blocked"))
		s.logger.Warnw("login rejected, too many failures", "client_ip", client.IP)
		return nil, domain.ErrTooManyAttempts
	}

	s.loginAttempts.Add(1)
	if s.cfg.Password == "" || !secretEqual(password, s.cfg.Password) {
		s.guard.RecordFailure(client.IP)
		s.failedLogins.Add(1)
		s.recordLogin("failure")
		tracing.AddSpanAttributes(ctx, tracing.AuthOutcomeKey.String("failure"))
		s.logger.Warnw("login failed", "client_ip", client.IP)
		return nil, domain.ErrInvalidCredentials
	}
	s.guard.Reset(client.IP)

	id, err := utils.NewSessionID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	session := &domain.AuthSession{
		ID:         domain.SessionID(id),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
		LastAccess: now,
		ClientIP:   client.IP,
		UserAgent:  utils.TruncateString(client.UserAgent, 256),
		Secure:     client.Secure,
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if err := s.enforceMaxSessions(ctx, now); err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.recordLogin("success")
	tracing.AddSpanAttributes(ctx, tracing.AuthOutcomeKey.String("success"))
	s.logger.Infow("login successful",
		"session", utils.MaskSensitive(id, 6),
		"client_ip", client.IP,
		"secure", client.Secure,
	)
	return session, nil
}

// enforceMaxSessions makes room for one more session by dropping expired
// ones first and then the oldest.
func (s *authService) enforceMaxSessions(ctx context.Context, now time.Time) error {
	if s.cfg.MaxSessions <= 0 {
		return nil
	}
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	live := sessions[:0]
	for _, session := range sessions {
		if session.Expired(now, s.cfg.IdleTimeout) {
			s.deleteSession(ctx, session.ID)
			continue
		}
		live = append(live, session)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	for len(live) >= s.cfg.MaxSessions {
		oldest := live[0]
		s.deleteSession(ctx, oldest.ID)
		s.logger.Infow("evicted oldest session", "session", utils.MaskSensitive(string(oldest.ID), 6))
		live = live[1:]
	}
	return nil
}

func (s *authService) deleteSession(ctx context.Context, id domain.SessionID) {
	if err := s.sessions.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		s.logger.Warnw("failed to delete session", "error", err)
	}
}

// Logout deletes the session only; stream tokens it minted stay valid
// until they expire.
func (s *authService) Logout(ctx context.Context, id domain.SessionID) error {
	if id == "" {
		return nil
	}
	err := s.sessions.Delete(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}
	s.logger.Infow("logged out", "session", utils.MaskSensitive(string(id), 6))
	return nil
}

func (s *authService) ValidateSession(ctx context.Context, id domain.SessionID) (*domain.AuthSession, error) {
	if id == "" {
		return nil, domain.ErrUnauthenticated
	}
	session, err := s.sessions.GetByID(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.Expired(now, s.cfg.IdleTimeout) {
		s.deleteSession(ctx, id)
		return nil, domain.ErrUnauthenticated
	}

	if err := s.sessions.Touch(ctx, id, now); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrUnauthenticated
		}
		return nil, err
	}
	session.LastAccess = now
	return session, nil
}

func (s *authService) MintStreamToken(ctx context.Context, id domain.SessionID) (*domain.StreamToken, error) {
	ctx, span := tracing.TraceAuth(ctx, "mint_stream_token")
	defer span.End()

	if _, err := s.ValidateSession(ctx, id); err != nil {
		return nil, err
	}

	now := s.now()
	token := &domain.StreamToken{
		ID:        utils.GenerateTokenID(),
		SessionID: id,
		Scope:     domain.StreamScope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.StreamTokenTTL),
	}
	claims := &StreamClaims{
		Scope:     token.Scope,
		SessionID: string(id),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign stream token: %w", err)
	}
	token.Value = signed

	if err := s.tokens.Save(ctx, token); err != nil {
		return nil, err
	}
	s.tokensIssued.Add(1)
	s.recordToken("issued")
	return token, nil
}

func (s *authService) parse(value string, opts ...jwt.ParserOption) (*StreamClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	claims := &StreamClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}
	if claims.Scope != domain.StreamScope || claims.ID == "" {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

// ValidateStreamToken accepts a token once inside its window, or any
// number of times when reusable tokens are configured.
func (s *authService) ValidateStreamToken(ctx context.Context, value string) (*domain.StreamToken, error) {
	if value == "" {
		return nil, domain.ErrInvalidToken
	}

	claims, err := s.parse(value, jwt.WithExpirationRequired())
	if err != nil {
		s.recordToken("rejected")
		return nil, err
	}

	var live bool
	if s.cfg.ReusableTokens {
		live, err = s.tokens.Exists(ctx, claims.ID)
	} else {
		live, err = s.tokens.Consume(ctx, claims.ID)
	}
	if err != nil {
		return nil, err
	}
	if !live {
		s.recordToken("rejected")
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrTokenNotFound)
	}

	s.recordToken("accepted")
	token := &domain.StreamToken{
		ID:        claims.ID,
		Value:     value,
		SessionID: domain.SessionID(claims.SessionID),
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	return token, nil
}

func (s *authService) RevokeStreamToken(ctx context.Context, value string) error {
	claims, err := s.parse(value, jwt.WithoutClaimsValidation())
	if err != nil {
		return err
	}
	return s.tokens.Revoke(ctx, claims.ID)
}

// ValidateAPICredential reports whether value is the configured API key.
// An empty key disables API-key access.
func (s *authService) ValidateAPICredential(value string) bool {
	if s.cfg.APIKey == "" || value == "" {
		return false
	}
	return secretEqual(value, s.cfg.APIKey)
}

type tokenSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweep removes expired and idle sessions and returns how many went.
func (s *authService) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := s.now()
	removed := 0
	for _, session := range sessions {
		if session.Expired(now, s.cfg.IdleTimeout) {
			s.deleteSession(ctx, session.ID)
			removed++
		}
	}

	pruned := s.guard.Prune()
	if sweeper, ok := s.tokens.(tokenSweeper); ok {
		if _, err := sweeper.Sweep(ctx); err != nil {
			s.logger.Warnw("failed to sweep stream tokens", "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.SetActiveSessions(len(sessions) - removed)
	}
	if removed > 0 || pruned > 0 {
		s.logger.Infow("auth sweep", "sessions_removed", removed, "login_guards_pruned", pruned)
	}
	return removed, nil
}

func (s *authService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Errorw("auth sweep failed", "error", err)
			}
		}
	}
}

func (s *authService) Stats(ctx context.Context) domain.SessionStats {
	stats := domain.SessionStats{
		LoginAttempts: s.loginAttempts.Load(),
		FailedLogins:  s.failedLogins.Load(),
		BlockedIPs:    s.guard.BlockedCount(),
		TokensIssued:  s.tokensIssued.Load(),
	}

	sessions, err := s.sessions.List(ctx)
	if err != nil {
		s.logger.Warnw("failed to list sessions for stats", "error", err)
		return stats
	}
	now := s.now()
	for _, session := range sessions {
		if !session.Expired(now, s.cfg.IdleTimeout) {
			stats.ActiveSessions++
		}
	}
	return stats
}
