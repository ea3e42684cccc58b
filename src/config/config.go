// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the worker configuration, read from the environment once at
// startup and handed to components at construction.
type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	APIPort       string
	ReportPort    string
	ReportBaseURL string

	Prefetch        int
	PollingInterval time.Duration
	RunTimeout      time.Duration
	AnalysisTimeout time.Duration
	LockTTL         time.Duration

	ContainerMemoryMB int64
	ContainerCPULimit float64
	ArtifactPath      string
	InContainer       bool

	S3 S3Config

	OpenAIKey   string
	OpenAIModel string

	ReportTokenSecret string
	ReportTokenTTL    time.Duration
	VaultKeyHex       string

	Sandbox SandboxPolicy
}

// S3Config targets AWS S3 or any S3-compatible endpoint such as MinIO.
type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// SandboxPolicy governs what reaches the execution container's environment.
// ReservedPrefix names the platform's secret namespace; no variable carrying
// it may ever be forwarded, from any source.
type SandboxPolicy struct {
	ReservedPrefix string   `yaml:"reservedPrefix"`
	ForwardEnv     []string `yaml:"forwardEnv"`
	DefaultEvents  []string `yaml:"defaultEvents"`
}

// Load reads the worker configuration from the process environment. An
// optional SANDBOX_POLICY_FILE points at a YAML policy document; without one
// the built-in defaults apply.
func Load() (*Config, error) {
	cfg := &Config{
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBSSLMode:  getenvDefault("DB_SSLMODE", "require"),

		APIPort:       getenvDefault("API_PORT", "8080"),
		ReportPort:    getenvDefault("REPORT_PORT", "8081"),
		ReportBaseURL: getenvDefault("REPORT_BASE_URL", "http://localhost:8081"),

		Prefetch:        getenvInt("PREFETCH", 1),
		PollingInterval: getenvDuration("POLLING_INTERVAL", 5*time.Second),
		RunTimeout:      getenvDuration("RUN_TIMEOUT", 30*time.Minute),
		AnalysisTimeout: getenvDuration("ANALYSIS_TIMEOUT", 60*time.Second),
		LockTTL:         getenvDuration("LOCK_TTL", time.Hour),

		ContainerMemoryMB: int64(getenvInt("CONTAINER_MEMORY_MB", 2048)),
		ContainerCPULimit: getenvFloat("CONTAINER_CPU_LIMIT", 1.0),
		ArtifactPath:      getenvDefault("ARTIFACT_PATH", "/app/report"),
		InContainer:       getenvBool("RUNNING_IN_CONTAINER", false),

		S3: S3Config{
			Region:          getenvDefault("S3_REGION", "us-east-1"),
			Bucket:          os.Getenv("S3_BUCKET"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
		},

		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: getenvDefault("OPENAI_MODEL", "gpt-4o-mini"),

		ReportTokenSecret: os.Getenv("REPORT_TOKEN_SECRET"),
		ReportTokenTTL:    getenvDuration("REPORT_TOKEN_TTL", 300*time.Second),
		VaultKeyHex:       os.Getenv("VAULT_KEY"),

		Sandbox: DefaultSandboxPolicy(),
	}

	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}

	if path := os.Getenv("SANDBOX_POLICY_FILE"); path != "" {
		policy, err := LoadSandboxPolicy(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load sandbox policy: %w", err)
		}
		cfg.Sandbox = *policy
	}

	return cfg, nil
}

// DefaultSandboxPolicy is the policy applied when no YAML document is
// configured: nothing forwarded from the host, failure-class events only.
func DefaultSandboxPolicy() SandboxPolicy {
	return SandboxPolicy{
		ReservedPrefix: "TESTPILOT_",
		ForwardEnv:     nil,
		DefaultEvents:  []string{"failed", "error", "unstable"},
	}
}

// LoadSandboxPolicy reads a SandboxPolicy YAML document. A missing reserved
// prefix falls back to the default; an operator cannot disable the blocklist
// by omission.
func LoadSandboxPolicy(path string) (*SandboxPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := DefaultSandboxPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if policy.ReservedPrefix == "" {
		policy.ReservedPrefix = DefaultSandboxPolicy().ReservedPrefix
	}
	return &policy, nil
}

// ConnString builds the lib/pq connection string.
func (c *Config) ConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
