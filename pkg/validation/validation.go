package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"camstream/internal/core/domain"
)

var (
	// PhotoFilenameRegex limits photo names to a flat, shell-safe charset
	PhotoFilenameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	photoExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
)

const (
	MaxPasswordLength = 256
	MinAPIKeyLength   = 8
	MaxFilenameLength = 255
)

// ValidatePhotoFilename rejects anything that could escape the photo
// directory or that is not an image we serve.
func ValidatePhotoFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: filename is required", domain.ErrInvalidFilename)
	}
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("%w: filename is too long (max %d characters)", domain.ErrInvalidFilename, MaxFilenameLength)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: path separators are not allowed", domain.ErrInvalidFilename)
	}
	if !PhotoFilenameRegex.MatchString(name) {
		return fmt.Errorf("%w: filename contains invalid characters", domain.ErrInvalidFilename)
	}
	if !photoExtensions[strings.ToLower(filepath.Ext(name))] {
		return fmt.Errorf("%w: unsupported extension", domain.ErrInvalidFilename)
	}
	return nil
}

// ValidatePassword validates a login password as submitted
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if !utf8.ValidString(password) {
		return fmt.Errorf("password must be valid UTF-8")
	}
	if utf8.RuneCountInString(password) > MaxPasswordLength {
		return fmt.Errorf("password is too long (max %d characters)", MaxPasswordLength)
	}
	return nil
}

// ValidateAPIKey accepts an empty key, which disables API key access
func ValidateAPIKey(key string) error {
	if key == "" {
		return nil
	}
	if len(key) < MinAPIKeyLength {
		return fmt.Errorf("api key must be at least %d characters", MinAPIKeyLength)
	}
	return nil
}

// ValidateResolution checks a configured frame size against a floor
func ValidateResolution(field string, r domain.Resolution, minWidth, minHeight int) error {
	if r.Width < minWidth || r.Height < minHeight {
		return fmt.Errorf("%s must be at least %dx%d, got %s", field, minWidth, minHeight, r)
	}
	if r.Width > 8192 || r.Height > 8192 {
		return fmt.Errorf("%s is too large (max 8192x8192), got %s", field, r)
	}
	return nil
}

// ValidatePixelFormat validates a pixel format name
func ValidatePixelFormat(field string, f domain.PixelFormat) error {
	if !f.Valid() {
		return fmt.Errorf("invalid %s %q (must be RGB888, BGR888, or YUV420)", field, f)
	}
	return nil
}

// ValidateJPEGQuality validates JPEG quality
func ValidateJPEGQuality(q int) error {
	if q < 1 || q > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", q)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
