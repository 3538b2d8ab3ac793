// Package config loads the sync configuration from a JSON file or the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultDownloadTimeout = 10000 // ms
	DefaultUploadTimeout   = 10000 // ms
	DefaultOUMode          = "DESCENDANTS"
	DefaultDataDir         = "data"
)

// Connection holds the address and credentials of one DHIS2 instance
type Connection struct {
	BaseURL  string `json:"baseURL" validate:"required,url"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// FlowConfig tunes request timing
type FlowConfig struct {
	DownloadTimeout   int     `json:"downloadTimeout" validate:"gte=0"` // ms
	UploadTimeout     int     `json:"uploadTimeout" validate:"gte=0"`   // ms
	RequestsPerSecond float64 `json:"requestsPerSecond" validate:"gte=0"`
}

// DataConfig selects what to migrate
type DataConfig struct {
	Program          string `json:"program" validate:"required"`
	OrganisationUnit string `json:"organisationUnit" validate:"required"`
	OUMode           string `json:"ouMode" validate:"omitempty,oneof=SELECTED DESCENDANTS ACCESSIBLE CHILDREN"`
}

// NotificationConfig controls the summary email
type NotificationConfig struct {
	Enabled      bool     `json:"enabled"`
	EmailSubject string   `json:"emailSubject" validate:"required_if=Enabled true"`
	Recipients   []string `json:"recipients" validate:"dive,email"`
}

// StorageConfig locates the staging directory
type StorageConfig struct {
	DataDir string `json:"dataDir"`
}

// Config is the resolved configuration of a sync run. It is built once at
// startup and passed to every component that needs it.
type Config struct {
	Source             Connection         `json:"source"`
	Destination        Connection         `json:"destination"`
	FlowConfig         FlowConfig         `json:"flowConfig"`
	DataConfig         DataConfig         `json:"dataConfig"`
	NotificationConfig NotificationConfig `json:"notificationConfig"`
	Storage            StorageConfig      `json:"storage"`
}

// Load reads the configuration from path, or from the environment when path
// is empty, then applies defaults and validates it
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = FromJSON(path)
	} else {
		cfg, err = FromEnv()
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromJSON reads a configuration file
func FromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Problems: []Problem{{Field: "config", Message: fmt.Sprintf("failed to read %s: %v", path, err)}}}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Problems: []Problem{{Field: "config", Message: fmt.Sprintf("failed to parse %s: %v", path, err)}}}
	}
	return &cfg, nil
}

// FromEnv reads the configuration from environment variables, loading a
// .env file from the working directory first when one exists
func FromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Problems: []Problem{{Field: ".env", Message: err.Error()}}}
	}

	cfg := &Config{
		Source: Connection{
			BaseURL:  os.Getenv("SOURCE_DHIS2_BASE_URL"),
			Username: os.Getenv("SOURCE_DHIS2_USERNAME"),
			Password: os.Getenv("SOURCE_DHIS2_PASSWORD"),
		},
		Destination: Connection{
			BaseURL:  os.Getenv("DESTINATION_DHIS2_BASE_URL"),
			Username: os.Getenv("DESTINATION_DHIS2_USERNAME"),
			Password: os.Getenv("DESTINATION_DHIS2_PASSWORD"),
		},
		FlowConfig: FlowConfig{
			DownloadTimeout:   getEnvInt("DOWNLOAD_TIMEOUT", DefaultDownloadTimeout),
			UploadTimeout:     getEnvInt("UPLOAD_TIMEOUT", DefaultUploadTimeout),
			RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 0),
		},
		DataConfig: DataConfig{
			Program:          os.Getenv("PROGRAM_ID"),
			OrganisationUnit: os.Getenv("ORGANISATION_UNIT_ID"),
			OUMode:           os.Getenv("OU_MODE"),
		},
		NotificationConfig: NotificationConfig{
			Enabled:      os.Getenv("ENABLE_NOTIFICATIONS") == "true",
			EmailSubject: os.Getenv("EMAIL_SUBJECT"),
			Recipients:   []string{},
		},
		Storage: StorageConfig{
			DataDir: os.Getenv("DATA_DIR"),
		},
	}

	if raw := strings.TrimSpace(os.Getenv("EMAIL_RECIPIENTS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.NotificationConfig.Recipients); err != nil {
			return nil, &Error{Problems: []Problem{{Field: "EMAIL_RECIPIENTS", Message: "must be a JSON array of email addresses"}}}
		}
	}

	return cfg, nil
}

// ApplyDefaults fills optional settings
func (c *Config) ApplyDefaults() {
	if c.FlowConfig.DownloadTimeout == 0 {
		c.FlowConfig.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.FlowConfig.UploadTimeout == 0 {
		c.FlowConfig.UploadTimeout = DefaultUploadTimeout
	}
	if c.DataConfig.OUMode == "" {
		c.DataConfig.OUMode = DefaultOUMode
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}
}

// DownloadTimeout returns the per-page download timeout
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.FlowConfig.DownloadTimeout) * time.Millisecond
}

// UploadTimeout returns the per-page upload timeout
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.FlowConfig.UploadTimeout) * time.Millisecond
}

// Revealer decrypts sealed passwords
type Revealer interface {
	Reveal(value string) (string, error)
}

// HasSealedPasswords reports whether any password needs decrypting
func (c *Config) HasSealedPasswords() bool {
	return isSealed(c.Source.Password) || isSealed(c.Destination.Password)
}

// RevealPasswords replaces sealed passwords with their plaintext
func (c *Config) RevealPasswords(r Revealer) error {
	var problems []Problem
	for field, password := range map[string]*string{
		"source.password":      &c.Source.Password,
		"destination.password": &c.Destination.Password,
	} {
		plain, err := r.Reveal(*password)
		if err != nil {
			problems = append(problems, Problem{Field: field, Message: fmt.Sprintf("cannot decrypt: %v", err)})
			continue
		}
		*password = plain
	}
	if len(problems) > 0 {
		return &Error{Problems: sortProblems(problems)}
	}
	return nil
}

func isSealed(value string) bool {
	return strings.HasPrefix(value, "enc:")
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float from environment variable with default fallback
func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
