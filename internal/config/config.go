package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	Port   int
	Redis  RedisConfig
	Deploy DeployConfig   // remote job API configuration
	Cache  CacheConfig    // run id cache configuration
	Poll   PollConfig     // polling behaviour
	Fetch  DownloadConfig // artifact download behaviour
	Store  StoreConfig    // optional S3 content store for image parameters
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

// Addr returns the host:port address of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DeployConfig remote job API configuration
type DeployConfig struct {
	APIURL    string `yaml:"api_url" env:"CD_API_URL"`
	UploadURL string `yaml:"upload_url" env:"CD_UPLOAD_URL"`
	APIKeyEnv string `yaml:"api_key_env" env:"CD_API_KEY_ENV"`

	// request configuration
	RequestTimeout time.Duration `yaml:"request_timeout" env:"CD_REQUEST_TIMEOUT"`
	SubmitAttempts int           `yaml:"submit_attempts" env:"CD_SUBMIT_ATTEMPTS"`
	SubmitBackoff  time.Duration `yaml:"submit_backoff" env:"CD_SUBMIT_BACKOFF"`
}

// APIKey reads the bearer token from the configured environment variable.
// The lookup happens on every call so a missing credential surfaces at first use.
func (d DeployConfig) APIKey() (string, error) {
	name := d.APIKeyEnv
	if name == "" {
		name = DefaultAPIKeyEnv
	}
	key := strings.TrimSpace(os.Getenv(name))
	if key == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrAPIKeyRequired, name)
	}
	return key, nil
}

// CacheConfig run id cache configuration
type CacheConfig struct {
	UserDir string `yaml:"user_dir" env:"CD_USER_DIR"`
}

// PollConfig polling configuration
type PollConfig struct {
	Interval time.Duration `yaml:"interval" env:"CD_POLL_INTERVAL"`
	WaitMax  time.Duration `yaml:"wait_max" env:"CD_WAIT_MAX"`
}

// DownloadConfig artifact download configuration
type DownloadConfig struct {
	Attempts  int           `yaml:"attempts" env:"CD_DOWNLOAD_ATTEMPTS"`
	Backoff   time.Duration `yaml:"backoff" env:"CD_DOWNLOAD_BACKOFF"`
	ChunkSize int           `yaml:"chunk_size" env:"CD_DOWNLOAD_CHUNK_SIZE"`
	RateLimit float64       `yaml:"rate_limit" env:"CD_DOWNLOAD_RATE_LIMIT"` // requests per second, 0 disables
}

// StoreConfig S3 content store configuration. Image parameters are
// uploaded through the deploy API unless a bucket is set.
type StoreConfig struct {
	Bucket          string        `yaml:"bucket" env:"CD_STORE_BUCKET"`
	Prefix          string        `yaml:"prefix" env:"CD_STORE_PREFIX"`
	Region          string        `yaml:"region" env:"CD_STORE_REGION"`
	Endpoint        string        `yaml:"endpoint" env:"CD_STORE_ENDPOINT"` // S3-compatible endpoint
	ForcePathStyle  bool          `yaml:"force_path_style" env:"CD_STORE_FORCE_PATH_STYLE"`
	AccessKeyID     string        `yaml:"-" env:"CD_STORE_ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"-" env:"CD_STORE_SECRET_ACCESS_KEY"`
	PublicBaseURL   string        `yaml:"public_base_url" env:"CD_STORE_PUBLIC_BASE_URL"` // skips presigning when set
	PresignTTL      time.Duration `yaml:"presign_ttl" env:"CD_STORE_PRESIGN_TTL"`
}

// Enabled reports whether the S3 store should be used
func (s StoreConfig) Enabled() bool {
	return strings.TrimSpace(s.Bucket) != ""
}

// DefaultAPIKeyEnv is the environment variable holding the API bearer token
const DefaultAPIKeyEnv = "CD_API_KEY"

// Load loads configuration. Values from a .env file in the working directory
// are applied first; variables already present in the process environment win.
func Load() *Config {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Port: getEnvInt("PORT", 8189),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Deploy: DeployConfig{
			APIURL:    getEnv("CD_API_URL", "https://api.comfydeploy.com/api/run/deployment/queue"),
			UploadURL: getEnv("CD_UPLOAD_URL", "https://api.comfydeploy.com/api/file/upload"),
			APIKeyEnv: getEnv("CD_API_KEY_ENV", DefaultAPIKeyEnv),

			RequestTimeout: getEnvDuration("CD_REQUEST_TIMEOUT", 60*time.Second),
			SubmitAttempts: getEnvInt("CD_SUBMIT_ATTEMPTS", 3),
			SubmitBackoff:  getEnvDuration("CD_SUBMIT_BACKOFF", 5*time.Second),
		},
		Cache: CacheConfig{
			UserDir: getEnv("CD_USER_DIR", "user"),
		},
		Poll: PollConfig{
			Interval: getEnvDuration("CD_POLL_INTERVAL", 5*time.Second),
			WaitMax:  getEnvDuration("CD_WAIT_MAX", 10*time.Minute),
		},
		Fetch: DownloadConfig{
			Attempts:  getEnvInt("CD_DOWNLOAD_ATTEMPTS", 3),
			Backoff:   getEnvDuration("CD_DOWNLOAD_BACKOFF", 2*time.Second),
			ChunkSize: getEnvInt("CD_DOWNLOAD_CHUNK_SIZE", 64*1024),
			RateLimit: getEnvFloat("CD_DOWNLOAD_RATE_LIMIT", 0),
		},
		Store: StoreConfig{
			Bucket:          getEnv("CD_STORE_BUCKET", ""),
			Prefix:          getEnv("CD_STORE_PREFIX", "comfydeploy/inputs"),
			Region:          getEnv("CD_STORE_REGION", ""),
			Endpoint:        getEnv("CD_STORE_ENDPOINT", ""),
			ForcePathStyle:  getEnvBool("CD_STORE_FORCE_PATH_STYLE", false),
			AccessKeyID:     getEnv("CD_STORE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("CD_STORE_SECRET_ACCESS_KEY", ""),
			PublicBaseURL:   getEnv("CD_STORE_PUBLIC_BASE_URL", ""),
			PresignTTL:      getEnvDuration("CD_STORE_PRESIGN_TTL", 24*time.Hour),
		},
	}

	return cfg
}

// Validate validates configuration values that are required before serving
func (c *Config) Validate() error {
	if c.Deploy.APIURL == "" {
		return ErrAPIURLRequired
	}
	if c.Cache.UserDir == "" {
		return ErrUserDirRequired
	}
	if c.Poll.Interval <= 0 {
		return ErrPollIntervalInvalid
	}
	if c.Fetch.Attempts < 1 || c.Deploy.SubmitAttempts < 1 {
		return ErrAttemptsInvalid
	}
	return nil
}

// configuration validation errors
var (
	ErrAPIKeyRequired      = fmt.Errorf("api key is required")
	ErrAPIURLRequired      = fmt.Errorf("api url is required")
	ErrUserDirRequired     = fmt.Errorf("user directory is required")
	ErrPollIntervalInvalid = fmt.Errorf("poll interval must be positive")
	ErrAttemptsInvalid     = fmt.Errorf("attempt counts must be at least 1")
)

// getEnv gets environment variable, returns default value if not exists
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable, returns default value if not exists
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s") or a plain number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
