package domain

import "errors"

var (
	ErrDeviceUnavailable  = errors.New("camera device unavailable")
	ErrDeviceBusy         = errors.New("camera device busy")
	ErrCaptureFailed      = errors.New("still capture failed")
	ErrStreamEnded        = errors.New("stream ended")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidToken       = errors.New("invalid token")
	ErrResourceConflict   = errors.New("resource conflict")
	ErrTooManyAttempts    = errors.New("too many failed attempts")
	ErrSessionNotFound    = errors.New("session not found")
	ErrTokenNotFound      = errors.New("stream token not found")
	ErrPhotoNotFound      = errors.New("photo not found")
	ErrInvalidFilename    = errors.New("invalid filename")
)
