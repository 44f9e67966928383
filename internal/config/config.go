// Package config loads the service configuration from SFD_* environment
// variables. Defaults come from struct tags, values are checked with
// validator tags plus a few cross-field rules, and every problem is
// reported in one aggregated error.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
	"github.com/mcuadros/go-defaults"

	"lan-file-drop/internal/pathsafe"
	"lan-file-drop/internal/upload"
)

// S3Config configures the MinIO fragment backend.
type S3Config struct {
	Endpoint  string `env:"SFD_S3_ENDPOINT"`
	AccessKey string `env:"SFD_S3_ACCESS_KEY"`
	SecretKey string `env:"SFD_S3_SECRET_KEY"`
	Bucket    string `env:"SFD_S3_BUCKET"`
	Prefix    string `env:"SFD_S3_PREFIX" default:"sessions/"`
}

// Config is the full service configuration.
type Config struct {
	Addr            string        `env:"SFD_ADDR" default:":5000" validate:"required"`
	UploadDir       string        `env:"SFD_UPLOAD_DIR" default:"uploads" validate:"required"`
	TempDir         string        `env:"SFD_TEMP_DIR" default:"temp" validate:"required"`
	BundleThreshold int64         `env:"SFD_BUNDLE_THRESHOLD" default:"2147483648" validate:"gt=0"`
	MaxChunkBytes   int64         `env:"SFD_MAX_CHUNK_BYTES" default:"67108864" validate:"gt=0"`
	AllowedPatterns []string      `env:"SFD_ALLOWED_PATTERNS"`
	SharedSecret    string        `env:"SFD_SHARED_SECRET"`
	AuthMaxFailures int           `env:"SFD_AUTH_MAX_FAILURES" default:"10" validate:"min=1"`
	AuthLockout     time.Duration `env:"SFD_AUTH_LOCKOUT" default:"15m" validate:"gt=0"`
	ChunkBackend    string        `env:"SFD_CHUNK_BACKEND" default:"fs" validate:"oneof=fs minio"`
	S3              S3Config      `env:"-"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	RateLimit       float64       `env:"SFD_RATE_LIMIT" default:"600" validate:"gte=0"`
	RateBurst       int           `env:"SFD_RATE_BURST" default:"120" validate:"gte=1"`
	LogLevel        string        `env:"SFD_LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `env:"SFD_LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShowQR          bool          `env:"SFD_SHOW_QR" default:"true"`
	ShutdownTimeout time.Duration `env:"SFD_SHUTDOWN_TIMEOUT" default:"15s" validate:"gt=0"`

	SessionRetention time.Duration `env:"SFD_SESSION_RETENTION" default:"24h" validate:"gt=0"`
	JanitorSchedule  string        `env:"SFD_JANITOR_SCHEDULE" default:"@every 10m" validate:"required"`
	JanitorWorkers   int           `env:"SFD_JANITOR_WORKERS" default:"4" validate:"min=1,max=64"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration through lookup, which has the
// signature of os.LookupEnv.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	defaults.SetDefaults(&cfg)

	v := NewValidator()
	applyEnv(&cfg, lookup, v)
	cfg.validate(v)

	return cfg, v.Err()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool), v *Validator) {
	str := func(key string, dst *string) {
		if val, ok := lookup(key); ok && strings.TrimSpace(val) != "" {
			*dst = strings.TrimSpace(val)
		}
	}
	size := func(key string, dst *int64) {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return
		}
		n, err := units.RAMInBytes(strings.TrimSpace(val))
		if err != nil {
			v.AddError(key, fmt.Sprintf("must be a size such as 64MiB or 2GiB (got: %s)", val))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			v.AddError(key, fmt.Sprintf("must be a valid duration (e.g., 24h, 90m) (got: %s)", val))
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			v.AddError(key, "must be a valid integer")
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			v.AddError(key, "must be a number")
			return
		}
		*dst = f
	}
	boolean := func(key string, dst *bool) {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			v.AddError(key, "must be true or false")
			return
		}
		*dst = b
	}

	str("SFD_ADDR", &cfg.Addr)
	str("SFD_UPLOAD_DIR", &cfg.UploadDir)
	str("SFD_TEMP_DIR", &cfg.TempDir)
	size("SFD_BUNDLE_THRESHOLD", &cfg.BundleThreshold)
	size("SFD_MAX_CHUNK_BYTES", &cfg.MaxChunkBytes)
	if val, ok := lookup("SFD_ALLOWED_PATTERNS"); ok {
		cfg.AllowedPatterns = splitList(val)
	}
	// The secret is taken verbatim; surrounding spaces may be intentional.
	if val, ok := lookup("SFD_SHARED_SECRET"); ok {
		cfg.SharedSecret = val
	}
	integer("SFD_AUTH_MAX_FAILURES", &cfg.AuthMaxFailures)
	dur("SFD_AUTH_LOCKOUT", &cfg.AuthLockout)
	str("SFD_CHUNK_BACKEND", &cfg.ChunkBackend)
	str("SFD_S3_ENDPOINT", &cfg.S3.Endpoint)
	str("SFD_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	str("SFD_S3_SECRET_KEY", &cfg.S3.SecretKey)
	str("SFD_S3_BUCKET", &cfg.S3.Bucket)
	str("SFD_S3_PREFIX", &cfg.S3.Prefix)
	str("DATABASE_URL", &cfg.DatabaseURL)
	float("SFD_RATE_LIMIT", &cfg.RateLimit)
	integer("SFD_RATE_BURST", &cfg.RateBurst)
	str("SFD_LOG_LEVEL", &cfg.LogLevel)
	str("SFD_LOG_FORMAT", &cfg.LogFormat)
	boolean("SFD_SHOW_QR", &cfg.ShowQR)
	dur("SFD_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	dur("SFD_SESSION_RETENTION", &cfg.SessionRetention)
	str("SFD_JANITOR_SCHEDULE", &cfg.JanitorSchedule)
	integer("SFD_JANITOR_WORKERS", &cfg.JanitorWorkers)

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.ChunkBackend = strings.ToLower(cfg.ChunkBackend)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = newStructValidator()

func newStructValidator() *validator.Validate {
	vd := validator.New(validator.WithRequiredStructEnabled())
	// Report problems under the environment variable the operator sets.
	vd.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("env")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return vd
}

func (cfg *Config) validate(v *Validator) {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				v.AddError(fe.Field(), describe(fe))
			}
		} else {
			v.AddError("config", err.Error())
		}
	}

	v.ValidateAddr("SFD_ADDR", cfg.Addr)
	v.ValidatePostgresURL("DATABASE_URL", cfg.DatabaseURL)

	if cfg.SharedSecret != "" && IsBcryptHash(cfg.SharedSecret) {
		v.ValidateBcryptHash("SFD_SHARED_SECRET", cfg.SharedSecret)
	}

	if err := cfg.Policy().ValidatePatterns(); err != nil {
		v.AddError("SFD_ALLOWED_PATTERNS", err.Error())
	}

	if cfg.JanitorSchedule != "" {
		if err := upload.ValidateSchedule(cfg.JanitorSchedule); err != nil {
			v.AddError("SFD_JANITOR_SCHEDULE", fmt.Sprintf("invalid cron schedule: %v", err))
		}
	}

	if cfg.ChunkBackend == "minio" {
		for key, val := range map[string]string{
			"SFD_S3_ENDPOINT":   cfg.S3.Endpoint,
			"SFD_S3_ACCESS_KEY": cfg.S3.AccessKey,
			"SFD_S3_SECRET_KEY": cfg.S3.SecretKey,
			"SFD_S3_BUCKET":     cfg.S3.Bucket,
		} {
			if val == "" {
				v.AddError(key, "required when SFD_CHUNK_BACKEND=minio")
			}
		}
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required value not set"
	case "oneof":
		return fmt.Sprintf("must be one of: %s (got: %v)", strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// Policy returns the filename policy derived from the allow list.
func (cfg Config) Policy() pathsafe.Policy {
	p := pathsafe.DefaultPolicy()
	p.Allowed = cfg.AllowedPatterns
	return p
}

// MinioConfig converts the S3 settings for the fragment backend.
func (cfg Config) MinioConfig() upload.MinioConfig {
	return upload.MinioConfig{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Prefix:    cfg.S3.Prefix,
	}
}

// Warnings lists optional but recommended settings that are missing.
func (cfg Config) Warnings() []string {
	warnings := make([]string, 0)

	if cfg.SharedSecret == "" {
		warnings = append(warnings, "SFD_SHARED_SECRET not set - anyone on the network can upload and download")
	} else if !IsBcryptHash(cfg.SharedSecret) && len(cfg.SharedSecret) < 12 {
		warnings = append(warnings, "SFD_SHARED_SECRET is shorter than 12 characters")
	}

	if cfg.DatabaseURL == "" {
		warnings = append(warnings, "DATABASE_URL not set - session history disabled")
	}

	if cfg.RateLimit == 0 {
		warnings = append(warnings, "SFD_RATE_LIMIT is 0 - rate limiting disabled")
	}

	return warnings
}
