// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" env-default:":8443"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	TLSCertFile     string        `env:"HTTP_TLS_CERT_FILE"`
	TLSKeyFile      string        `env:"HTTP_TLS_KEY_FILE"`
}

type StorageConfig struct {
	// Backend selects the persistence layer: "bbolt" or "postgres".
	Backend     string `env:"STORAGE_BACKEND" env-default:"bbolt"`
	BBoltPath   string `env:"BBOLT_PATH" env-default:"cardauthd.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

type RedisConfig struct {
	// Addr enables the Redis handshake-session store when non-empty;
	// otherwise sessions live in process memory.
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

type MinioConfig struct {
	// Endpoint enables avatar storage when non-empty.
	Endpoint  string        `env:"MINIO_ENDPOINT"`
	AccessKey string        `env:"MINIO_ACCESS_KEY"`
	SecretKey string        `env:"MINIO_SECRET_KEY"`
	UseSSL    bool          `env:"MINIO_USE_SSL" env-default:"false"`
	Bucket    string        `env:"MINIO_BUCKET" env-default:"card-avatars"`
	URLTTL    time.Duration `env:"MINIO_URL_TTL" env-default:"15m"`
}

type SecretsConfig struct {
	// MasterKeyHex is the 32-byte key wrapping every card's static key,
	// hex encoded.
	MasterKeyHex string `env:"CARD_MASTER_KEY" env-required:"true"`
	// BankHMACSecret signs payment-confirmation callbacks.
	BankHMACSecret string `env:"BANK_HMAC_SECRET" env-required:"true"`
}

type Config struct {
	HTTP    HTTPConfig
	Storage StorageConfig
	Redis   RedisConfig
	Minio   MinioConfig
	Secrets SecretsConfig
}

// Load reads configuration from the environment. When envFile is non-empty
// it is loaded first; variables already set in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err != nil {
			return nil, fmt.Errorf("env file %s: %w", envFile, err)
		}
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "bbolt":
		if c.Storage.BBoltPath == "" {
			return fmt.Errorf("BBOLT_PATH is required for the bbolt backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("HTTP_TLS_CERT_FILE and HTTP_TLS_KEY_FILE must be set together")
	}
	if c.Minio.Endpoint != "" && (c.Minio.AccessKey == "" || c.Minio.SecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}

// MasterKey decodes the configured master key and checks its length.
func (c *Config) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Secrets.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("CARD_MASTER_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CARD_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
