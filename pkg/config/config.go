package config

import (
	"fmt"
	"strings"
	"time"

	"callrelay-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
	Push      PushConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call engine configuration
type CallConfig struct {
	RegistryBackend string // memory, redis
	SidechatCap     int
	StaleAfter      time.Duration
	ReaperInterval  time.Duration
	MaxConnections  int
	AllowedOrigins  []string
	SessionTTL      time.Duration
}

// PushConfig holds push notification configuration
type PushConfig struct {
	Provider        string // firebase, apns, mock
	FirebaseProject string
	CredentialsFile string

	// APNs token auth is preferred over a .p12 certificate when both are set
	APNsKeyPath             string
	APNsKeyID               string
	APNsTeamID              string
	APNsCertificatePath     string
	APNsCertificatePassword string
	APNsBundleID            string
	APNsProduction          bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8083),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callrelay"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:       splitList(env.GetString("CASSANDRA_HOSTS", "localhost")),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "callrelay"),
			Username:    env.GetString("CASSANDRA_USER", ""),
			Password:    env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "LOCAL_QUORUM"),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-service.log"),
		},
		Call: CallConfig{
			RegistryBackend: env.GetString("CALL_REGISTRY_BACKEND", "memory"),
			SidechatCap:     env.GetInt("CALL_SIDECHAT_CAP", 50),
			StaleAfter:      env.GetDuration("CALL_STALE_AFTER", 45*time.Second),
			ReaperInterval:  env.GetDuration("CALL_REAPER_INTERVAL", 10*time.Second),
			MaxConnections:  env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			AllowedOrigins:  splitList(env.GetString("WS_ALLOWED_ORIGINS", "")),
			SessionTTL:      env.GetDuration("CALL_SESSION_TTL", 6*time.Hour),
		},
		Push: PushConfig{
			Provider:        env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProject: env.GetString("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),

			APNsKeyPath:             env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:               env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:              env.GetString("APNS_TEAM_ID", ""),
			APNsCertificatePath:     env.GetString("APNS_CERT_PATH", ""),
			APNsCertificatePassword: env.GetString("APNS_CERT_PASSWORD", ""),
			APNsBundleID:            env.GetString("APNS_BUNDLE_ID", ""),
			APNsProduction:          env.GetBool("APNS_PRODUCTION", false),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Call.RegistryBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("CALL_REGISTRY_BACKEND must be memory or redis, got %q", c.Call.RegistryBackend)
	}
	if c.Call.SidechatCap <= 0 {
		return fmt.Errorf("CALL_SIDECHAT_CAP must be positive")
	}
	if c.Call.StaleAfter <= c.Call.ReaperInterval {
		return fmt.Errorf("CALL_STALE_AFTER must be longer than CALL_REAPER_INTERVAL")
	}

	switch c.Push.Provider {
	case "mock", "firebase":
	case "apns":
		if c.Push.APNsBundleID == "" {
			return fmt.Errorf("APNS_BUNDLE_ID is required for the apns provider")
		}
	default:
		return fmt.Errorf("PUSH_PROVIDER must be mock, firebase or apns, got %q", c.Push.Provider)
	}

	return nil
}

// splitList parses a comma-separated list, dropping empty items
func splitList(value string) []string {
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
