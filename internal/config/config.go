// Package config loads the node configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	DICOM    DICOMConfig
	Database DatabaseConfig
	Mongo    MongoConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// ServerConfig is the HTTP API listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DICOMConfig is the DIMSE listener and SCU identity.
type DICOMConfig struct {
	AETitle      string
	Host         string
	Port         int
	MaxPDULength int
	IdleTimeout  time.Duration
	// AllowedAETs maps calling AE titles to the services they may use
	// (echo, store, query, retrieve). Empty means every caller is allowed.
	AllowedAETs map[string][]string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// MongoConfig is the instance document store.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// StorageConfig is the part-10 file tree.
type StorageConfig struct {
	Root string
}

type CacheConfig struct {
	Enabled bool
	Type    string
	TTL     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		DICOM: DICOMConfig{
			AETitle:      getEnv("DICOM_AE_TITLE", "DOPAMINE"),
			Host:         getEnv("DICOM_HOST", "0.0.0.0"),
			Port:         getEnvInt("DICOM_PORT", 11112),
			MaxPDULength: getEnvInt("DICOM_MAX_PDU_LENGTH", 16384),
			IdleTimeout:  getEnvDuration("DICOM_IDLE_TIMEOUT", 5*time.Minute),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "dopamine"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "dopamine"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Mongo: MongoConfig{
			URI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:   getEnv("MONGO_DATABASE", "dopamine"),
			Collection: getEnv("MONGO_COLLECTION", "datasets"),
		},
		Storage: StorageConfig{
			Root: getEnv("STORAGE_ROOT", "/var/lib/dopamine"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			Type:    getEnv("CACHE_TYPE", "memory"),
			TTL:     getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Calling-AET"}),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	allowed, err := parseAllowedAETs(os.Getenv("DICOM_ALLOWED_AETS"))
	if err != nil {
		return nil, err
	}
	cfg.DICOM.AllowedAETs = allowed

	return cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.DICOM.AETitle == "" || len(c.DICOM.AETitle) > 16 {
		return fmt.Errorf("DICOM_AE_TITLE must be 1 to 16 characters, got %q", c.DICOM.AETitle)
	}
	if c.DICOM.Port < 1 || c.DICOM.Port > 65535 {
		return fmt.Errorf("DICOM_PORT out of range: %d", c.DICOM.Port)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}
	if c.Cache.Enabled && c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("CACHE_TYPE must be memory or redis, got %q", c.Cache.Type)
	}
	return nil
}

var knownServices = map[string]bool{
	"echo":     true,
	"store":    true,
	"query":    true,
	"retrieve": true,
}

// parseAllowedAETs parses "MODALITY:store+query;WS1:query" into a service
// list per calling AE title.
func parseAllowedAETs(raw string) (map[string][]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("DICOM_ALLOWED_AETS: bad entry %q", entry)
		}
		aeTitle := strings.TrimSpace(parts[0])
		var services []string
		for _, service := range strings.Split(parts[1], "+") {
			service = strings.ToLower(strings.TrimSpace(service))
			if !knownServices[service] {
				return nil, fmt.Errorf("DICOM_ALLOWED_AETS: unknown service %q for %s", service, aeTitle)
			}
			services = append(services, service)
		}
		out[aeTitle] = services
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
