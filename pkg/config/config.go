package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the controller's environment-driven configuration.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string

	// DataDir is the directory holding the bolt database.
	DataDir string

	// WorkDir is the parent directory for per-job working directories
	// (rendered inventories, extra-vars, in-flight secret files).
	WorkDir string

	// PlaybookDir is the directory containing the playbooks.
	PlaybookDir string

	// EncryptionKey protects stored credentials. Required for any
	// credential operation; base64 or raw passphrase (see security pkg).
	EncryptionKey string

	// Analyzer settings. An empty endpoint disables the analyzer.
	AnalyzerEndpoint string
	AnalyzerModel    string
	AnalyzerAPIKey   string

	LogLevel string
	LogJSON  bool
}

// FromEnv builds a Config from environment variables, applying defaults for
// everything except the encryption key, which has no safe default.
func FromEnv() Config {
	return Config{
		ListenAddr:       envOr("LISTEN_ADDR", "127.0.0.1:8000"),
		DataDir:          envOr("RKE2_DATA_PATH", "./data"),
		WorkDir:          envOr("WORK_DIR", os.TempDir()),
		PlaybookDir:      envOr("PLAYBOOK_DIR", "./playbooks"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		AnalyzerEndpoint: os.Getenv("ANALYZER_ENDPOINT"),
		AnalyzerModel:    envOr("ANALYZER_MODEL", "gpt-4o-mini"),
		AnalyzerAPIKey:   os.Getenv("ANALYZER_API_KEY"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogJSON:          envBool("LOG_JSON", false),
	}
}

// Validate checks the settings a serve run cannot do without.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	return nil
}

// AnalyzerEnabled reports whether the optional analyzer is configured.
func (c Config) AnalyzerEnabled() bool {
	return c.AnalyzerEndpoint != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
