package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"camstream/internal/core/domain"
	"camstream/pkg/validation"

	"gopkg.in/yaml.v2"
)

const envPrefix = "CAMSTREAM_"

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		TrustedProxies  []string      `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Camera struct {
		Driver              string        `yaml:"driver"`
		Device              string        `yaml:"device"`
		AutoDetect          bool          `yaml:"auto_detect"`
		FallbackWidth       int           `yaml:"fallback_width"`
		FallbackHeight      int           `yaml:"fallback_height"`
		StreamWidth         int           `yaml:"stream_width"`
		StreamHeight        int           `yaml:"stream_height"`
		MainFormat          string        `yaml:"main_format"`
		LoresFormat         string        `yaml:"lores_format"`
		BufferCount         int           `yaml:"buffer_count"`
		FallbackBufferCount int           `yaml:"fallback_buffer_count"`
		HFlip               bool          `yaml:"hflip"`
		VFlip               bool          `yaml:"vflip"`
		JPEGQuality         int           `yaml:"jpeg_quality"`
		FrameRate           int           `yaml:"frame_rate"`
		CaptureTimeout      time.Duration `yaml:"capture_timeout"`
		LeaseTTL            time.Duration `yaml:"lease_ttl"`
	} `yaml:"camera"`

	Stream struct {
		StopPolicy   string        `yaml:"stop_policy"`
		StopOnIdle   bool          `yaml:"stop_on_idle"`
		StallTimeout time.Duration `yaml:"stall_timeout"`
		// RecoveryAttempts restarts a feed that dies under viewers; 0
		// ends their streams instead.
		RecoveryAttempts int `yaml:"recovery_attempts"`
	} `yaml:"stream"`

	Storage struct {
		PhotosDir string `yaml:"photos_dir"`
		MaxPhotos int    `yaml:"max_photos"`
	} `yaml:"storage"`

	Auth struct {
		Password            string        `yaml:"password"`
		APIKey              string        `yaml:"api_key"`
		JWTSecret           string        `yaml:"jwt_secret"`
		SessionTTL          time.Duration `yaml:"session_ttl"`
		IdleTimeout         time.Duration `yaml:"idle_timeout"`
		MaxSessions         int           `yaml:"max_sessions"`
		StreamTokenTTL      time.Duration `yaml:"stream_token_ttl"`
		StreamTokenReusable bool          `yaml:"stream_token_reusable"`
		CleanupInterval     time.Duration `yaml:"cleanup_interval"`
		MaxFailedLogins     int           `yaml:"max_failed_logins"`
		FailedLoginWindow   time.Duration `yaml:"failed_login_window"`
		CookieName          string        `yaml:"cookie_name"`
	} `yaml:"auth"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		FrameStaleAfter     time.Duration `yaml:"frame_stale_after"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
		Environment string  `yaml:"environment"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // 0 = unlimited; streams are exempt
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	// GeneratedPassword is set when no password was configured and Load
	// generated one. It is never serialized.
	GeneratedPassword bool `yaml:"-"`
}

// CameraConfig converts the camera section into the domain type.
func (c *Config) CameraConfig() domain.CameraConfig {
	cam := c.Camera
	return domain.CameraConfig{
		Driver:              cam.Driver,
		Device:              cam.Device,
		AutoDetect:          cam.AutoDetect,
		Fallback:            domain.Resolution{Width: cam.FallbackWidth, Height: cam.FallbackHeight},
		Stream:              domain.Resolution{Width: cam.StreamWidth, Height: cam.StreamHeight},
		MainFormat:          domain.PixelFormat(cam.MainFormat),
		LoresFormat:         domain.PixelFormat(cam.LoresFormat),
		BufferCount:         cam.BufferCount,
		FallbackBufferCount: cam.FallbackBufferCount,
		HFlip:               cam.HFlip,
		VFlip:               cam.VFlip,
		JPEGQuality:         cam.JPEGQuality,
		FrameRate:           cam.FrameRate,
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Camera
	switch c.Camera.Driver {
	case "ffmpeg":
		if c.Camera.Device == "" {
			return fmt.Errorf("camera.device must not be empty for the ffmpeg driver")
		}
	case "synthetic":
	default:
		return fmt.Errorf("camera.driver must be ffmpeg or synthetic, got %q", c.Camera.Driver)
	}
	cam := c.CameraConfig()
	if err := validation.ValidateResolution("camera fallback resolution", cam.Fallback, 320, 240); err != nil {
		return err
	}
	if err := validation.ValidateResolution("camera stream resolution", cam.Stream, 160, 120); err != nil {
		return err
	}
	if err := validation.ValidatePixelFormat("camera.main_format", cam.MainFormat); err != nil {
		return err
	}
	if err := validation.ValidatePixelFormat("camera.lores_format", cam.LoresFormat); err != nil {
		return err
	}
	if err := validation.ValidateJPEGQuality(cam.JPEGQuality); err != nil {
		return fmt.Errorf("camera.%w", err)
	}
	if c.Camera.BufferCount < 0 || c.Camera.FallbackBufferCount < 1 {
		return fmt.Errorf("camera.buffer_count must be >= 0 and camera.fallback_buffer_count >= 1")
	}
	if c.Camera.FrameRate < 1 || c.Camera.FrameRate > 120 {
		return fmt.Errorf("camera.frame_rate must be between 1 and 120")
	}
	if c.Camera.CaptureTimeout <= 0 {
		return fmt.Errorf("camera.capture_timeout must be > 0")
	}
	if c.Redis.Enabled && c.Camera.LeaseTTL <= 0 {
		return fmt.Errorf("camera.lease_ttl must be > 0 when redis.enabled=true")
	}

	// Stream
	if _, err := domain.ParseStopPolicy(c.Stream.StopPolicy); err != nil {
		return fmt.Errorf("stream.stop_policy: %w", err)
	}
	if c.Stream.StallTimeout <= 0 {
		return fmt.Errorf("stream.stall_timeout must be > 0")
	}
	if c.Stream.RecoveryAttempts < 0 {
		return fmt.Errorf("stream.recovery_attempts must be >= 0")
	}

	// Storage
	if c.Storage.PhotosDir == "" {
		return fmt.Errorf("storage.photos_dir must not be empty")
	}
	if c.Storage.MaxPhotos < 1 {
		return fmt.Errorf("storage.max_photos must be >= 1")
	}

	// Auth
	if c.Auth.Password == "" {
		return fmt.Errorf("auth.password must not be empty")
	}
	if err := validation.ValidateAPIKey(c.Auth.APIKey); err != nil {
		return fmt.Errorf("auth.%w", err)
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.IdleTimeout <= 0 {
		return fmt.Errorf("auth.session_ttl and auth.idle_timeout must be > 0")
	}
	if c.Auth.MaxSessions < 1 {
		return fmt.Errorf("auth.max_sessions must be >= 1")
	}
	if c.Auth.StreamTokenTTL <= 0 {
		return fmt.Errorf("auth.stream_token_ttl must be > 0")
	}
	if c.Auth.CleanupInterval <= 0 {
		return fmt.Errorf("auth.cleanup_interval must be > 0")
	}
	if c.Auth.MaxFailedLogins < 1 || c.Auth.FailedLoginWindow <= 0 {
		return fmt.Errorf("auth.max_failed_logins must be >= 1 and auth.failed_login_window > 0")
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("auth.cookie_name must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.FrameStaleAfter <= 0 {
		return fmt.Errorf("monitoring.frame_stale_after must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file over the defaults, applies
// CAMSTREAM_* env overrides, fills missing secrets and validates. A missing
// file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.fillSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8003"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Camera.Driver = "ffmpeg"
	cfg.Camera.Device = "/dev/video0"
	cfg.Camera.AutoDetect = true
	cfg.Camera.FallbackWidth = 1920
	cfg.Camera.FallbackHeight = 1080
	cfg.Camera.StreamWidth = 640
	cfg.Camera.StreamHeight = 480
	cfg.Camera.MainFormat = string(domain.FormatRGB888)
	cfg.Camera.LoresFormat = string(domain.FormatYUV420)
	cfg.Camera.FallbackBufferCount = 2
	cfg.Camera.HFlip = true
	cfg.Camera.VFlip = true
	cfg.Camera.JPEGQuality = 85
	cfg.Camera.FrameRate = 15
	cfg.Camera.CaptureTimeout = 10 * time.Second
	cfg.Camera.LeaseTTL = 10 * time.Second

	cfg.Stream.StopPolicy = string(domain.StopDeferred)
	cfg.Stream.StallTimeout = 10 * time.Second
	cfg.Stream.RecoveryAttempts = 3

	cfg.Storage.PhotosDir = "captured_images"
	cfg.Storage.MaxPhotos = 100

	cfg.Auth.SessionTTL = 24 * time.Hour
	cfg.Auth.IdleTimeout = 60 * time.Minute
	cfg.Auth.MaxSessions = 5
	cfg.Auth.StreamTokenTTL = 60 * time.Second
	cfg.Auth.CleanupInterval = 5 * time.Minute
	cfg.Auth.MaxFailedLogins = 5
	cfg.Auth.FailedLoginWindow = 5 * time.Minute
	cfg.Auth.CookieName = "camstream_session"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "camstream:"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second
	cfg.Monitoring.FrameStaleAfter = 10 * time.Second

	cfg.Tracing.ServiceName = "camstream"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.Environment = "development"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SERVER_ADDRESS": &c.Server.Address,
		"CAMERA_DRIVER":  &c.Camera.Driver,
		"CAMERA_DEVICE":  &c.Camera.Device,
		"PHOTOS_DIR":     &c.Storage.PhotosDir,
		"PASSWORD":       &c.Auth.Password,
		"API_KEY":        &c.Auth.APIKey,
		"JWT_SECRET":     &c.Auth.JWTSecret,
		"REDIS_ADDRESS":  &c.Redis.Address,
		"REDIS_PASSWORD": &c.Redis.Password,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
		"STOP_POLICY":    &c.Stream.StopPolicy,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"REDIS_ENABLED":   &c.Redis.Enabled,
		"TRACING_ENABLED": &c.Tracing.Enabled,
		"CAMERA_HFLIP":    &c.Camera.HFlip,
		"CAMERA_VFLIP":    &c.Camera.VFlip,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
	}

	ints := map[string]*int{
		"MAX_PHOTOS":        &c.Storage.MaxPhotos,
		"JPEG_QUALITY":      &c.Camera.JPEGQuality,
		"RECOVERY_ATTEMPTS": &c.Stream.RecoveryAttempts,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// fillSecrets generates a JWT secret and a login password when none are
// configured. A generated password must be shown to the operator once.
func (c *Config) fillSecrets() error {
	if c.Auth.JWTSecret == "" {
		secret, err := randomString(32)
		if err != nil {
			return err
		}
		c.Auth.JWTSecret = secret
	}
	if c.Auth.Password == "" {
		password, err := randomString(12)
		if err != nil {
			return err
		}
		c.Auth.Password = password
		c.GeneratedPassword = true
	}
	return nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
