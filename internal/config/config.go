package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Push      PushConfig      `mapstructure:"push"`
	TOTP      TOTPConfig      `mapstructure:"totp"`
	WebAuthn  WebAuthnConfig  `mapstructure:"webauthn"`
	Email     EmailConfig     `mapstructure:"email"`
	EmailCode EmailCodeConfig `mapstructure:"email_code"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Tokens       TokenConfig        `mapstructure:"tokens"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// TokenConfig holds access-token verification configuration.
// Access tokens are minted by the primary authentication service;
// this service only verifies them.
type TokenConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// RateLimitingConfig holds HTTP-level rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DefaultLimit  int    `mapstructure:"default_limit"`
	DefaultWindow string `mapstructure:"default_window"`
}

// ChallengeConfig holds MFA challenge lifecycle configuration
type ChallengeConfig struct {
	// Lifetime is how long a challenge stays valid after creation
	Lifetime time.Duration `mapstructure:"lifetime"`
	// MaxActive caps concurrently active challenges per user
	MaxActive int `mapstructure:"max_active"`
	// MaxPerWindow caps challenge creation inside RateWindow
	MaxPerWindow int           `mapstructure:"max_per_window"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	// CleanupAge is how long past expiry a challenge row survives before the sweep removes it
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
	// CleanupInterval is how often the background sweep runs
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// UnverifiedMethodAge is how long an unverified method survives before admin cleanup
	UnverifiedMethodAge time.Duration `mapstructure:"unverified_method_age"`
}

// PushConfig holds push approval configuration
type PushConfig struct {
	// Lifetime is the default push challenge lifetime; clamped to [MinLifetime, MaxLifetime]
	Lifetime    time.Duration `mapstructure:"lifetime"`
	MinLifetime time.Duration `mapstructure:"min_lifetime"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
	// MaxPerWindow caps push challenge creation inside RateWindow
	MaxPerWindow int           `mapstructure:"max_per_window"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	// DeviceKeyBits is the minimum accepted RSA key size for device public keys
	DeviceKeyBits int `mapstructure:"device_key_bits"`
	// SignatureMaxAge bounds how old a signed response timestamp may be
	SignatureMaxAge time.Duration `mapstructure:"signature_max_age"`
	// CleanupAge is how long past expiry a push challenge row survives
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
	// FCMServerKey authenticates against the FCM endpoint; empty selects the log-only sender
	FCMServerKey string `mapstructure:"fcm_server_key"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer string `mapstructure:"issuer"`
	Digits int    `mapstructure:"digits"`
	Period int    `mapstructure:"period"`
}

// WebAuthnConfig holds WebAuthn configuration
type WebAuthnConfig struct {
	RPID      string   `mapstructure:"rp_id"`
	RPOrigins []string `mapstructure:"rp_origins"`
	RPName    string   `mapstructure:"rp_name"`
}

// EmailConfig holds email sending configuration
type EmailConfig struct {
	// Provider is the email provider to use: "gmail", "smtp", etc.
	Provider string `mapstructure:"provider"`
	// AppName is the application name shown in emails (defaults to "StepAuth")
	AppName string `mapstructure:"app_name"`
	// Gmail holds Gmail-specific configuration
	Gmail GmailEmailConfig `mapstructure:"gmail"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for OAuth2 token-based auth
	ClientSecret string `mapstructure:"client_secret"`
	// RefreshToken for OAuth2 token-based auth
	RefreshToken string `mapstructure:"refresh_token"`
	// SenderAddress is the "From" email address
	SenderAddress string `mapstructure:"sender_address"`
	// SenderName is the display name for the sender
	SenderName string `mapstructure:"sender_name"`
}

// EmailCodeConfig holds email MFA code settings
type EmailCodeConfig struct {
	// CodeLength is the number of digits in the emailed code (default: 6)
	CodeLength int `mapstructure:"code_length"`
	// CodeTTL is how long the code is valid (default: 5m)
	CodeTTL time.Duration `mapstructure:"code_ttl"`
	// MaxAttempts caps verification attempts per code
	MaxAttempts int `mapstructure:"max_attempts"`
	// ResendCooldown is the minimum time between resend attempts (default: 60s)
	ResendCooldown time.Duration `mapstructure:"resend_cooldown"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/stepauth")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("STEPAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "stepauth")
	v.SetDefault("database.user", "stepauth")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	v.SetDefault("security.tokens.secret", "")
	v.SetDefault("security.tokens.issuer", "stepauth")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.default_limit", 100)
	v.SetDefault("security.rate_limiting.default_window", "1m")

	// Challenge defaults
	v.SetDefault("challenge.lifetime", "5m")
	v.SetDefault("challenge.max_active", 3)
	v.SetDefault("challenge.max_per_window", 10)
	v.SetDefault("challenge.rate_window", "15m")
	v.SetDefault("challenge.cleanup_age", "1h")
	v.SetDefault("challenge.cleanup_interval", "10m")
	v.SetDefault("challenge.unverified_method_age", "720h")

	// Push defaults
	v.SetDefault("push.lifetime", "5m")
	v.SetDefault("push.min_lifetime", "1m")
	v.SetDefault("push.max_lifetime", "30m")
	v.SetDefault("push.max_per_window", 5)
	v.SetDefault("push.rate_window", "10m")
	v.SetDefault("push.device_key_bits", 2048)
	v.SetDefault("push.signature_max_age", "2m")
	v.SetDefault("push.cleanup_age", "24h")
	v.SetDefault("push.fcm_server_key", "")

	// TOTP defaults
	v.SetDefault("totp.issuer", "StepAuth")
	v.SetDefault("totp.digits", 6)
	v.SetDefault("totp.period", 30)

	// WebAuthn defaults
	v.SetDefault("webauthn.rp_id", "localhost")
	v.SetDefault("webauthn.rp_origins", []string{"http://localhost:3000"})
	v.SetDefault("webauthn.rp_name", "StepAuth")

	// Email defaults
	v.SetDefault("email.provider", "gmail")
	v.SetDefault("email.app_name", "StepAuth")
	v.SetDefault("email.gmail.sender_address", "")
	v.SetDefault("email.gmail.sender_name", "StepAuth")

	// Email code defaults
	v.SetDefault("email_code.code_length", 6)
	v.SetDefault("email_code.code_ttl", "5m")
	v.SetDefault("email_code.max_attempts", 3)
	v.SetDefault("email_code.resend_cooldown", "60s")
}
