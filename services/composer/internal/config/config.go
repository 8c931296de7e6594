package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port       string `yaml:"port"`
	LogLevel   string `yaml:"logLevel"`
	CORSOrigin string `yaml:"corsOrigin"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	GenerationServiceURL string `yaml:"generationServiceURL"`
	ImageServiceURL      string `yaml:"imageServiceURL"`
	BrandServiceURL      string `yaml:"brandServiceURL"`
	PublishServiceURL    string `yaml:"publishServiceURL"`

	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	DraftKeyPrefix string `yaml:"draftKeyPrefix"`
	DraftTTLHours  int    `yaml:"draftTtlHours"`

	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	MirrorStream      string `yaml:"mirrorStream"`
	MirrorGroup       string `yaml:"mirrorGroup"`
	MirrorConcurrency int    `yaml:"mirrorConcurrency"`

	AMQPURL       string `yaml:"amqpURL"`
	EventExchange string `yaml:"eventExchange"`

	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	GenerateRateLimitPerMinute int      `yaml:"generateRateLimitPerMinute"`
	PublishRateLimitPerMinute  int      `yaml:"publishRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("COMPOSER_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("COMPOSER_GENERATION_SERVICE_URL"); v != "" {
		cfg.GenerationServiceURL = v
	}
	if v := os.Getenv("COMPOSER_IMAGE_SERVICE_URL"); v != "" {
		cfg.ImageServiceURL = v
	}
	if v := os.Getenv("COMPOSER_BRAND_SERVICE_URL"); v != "" {
		cfg.BrandServiceURL = v
	}
	if v := os.Getenv("COMPOSER_PUBLISH_SERVICE_URL"); v != "" {
		cfg.PublishServiceURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("COMPOSER_EVENT_EXCHANGE"); v != "" {
		cfg.EventExchange = v
	}
	if v := os.Getenv("COMPOSER_DRAFT_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.DraftTTLHours = n
		}
	}
	if v := os.Getenv("COMPOSER_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("COMPOSER_GENERATE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GenerateRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("COMPOSER_PUBLISH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PublishRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or COMPOSER_AUTH_JWKS_URL)")
	}
	if cfg.GenerationServiceURL == "" {
		return errors.New("config: generationServiceURL is required (set in config.yaml)")
	}
	if cfg.PublishServiceURL == "" {
		return errors.New("config: publishServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for draft storage and rate limiting")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required")
	}
	if cfg.GenerateRateLimitPerMinute < 0 || cfg.PublishRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.DraftTTLHours < 0 {
		return errors.New("config: draftTtlHours must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
