package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v2"
)

const (
	defaultChunkSize      = 1024 * 1024
	defaultMaxAttempts    = 3
	defaultBackoffStep    = 2 * time.Second
	defaultRequestTimeout = 120 * time.Second
	defaultFallbackDir    = "recordings"
)

type Client struct {
	Upload   Upload   `yaml:"upload"`
	Fallback Fallback `yaml:"fallback"`
	Tenant   Tenant   `yaml:"tenant"`
	Metadata Metadata `yaml:"metadata"`
}

type Upload struct {
	Endpoint       string        `yaml:"endpoint" env:"CHUNKRELAY_ENDPOINT"`
	ChunkSize      int           `yaml:"chunk_size" env:"CHUNKRELAY_CHUNK_SIZE"`
	MaxAttempts    int           `yaml:"max_attempts" env:"CHUNKRELAY_MAX_ATTEMPTS"`
	BackoffStep    time.Duration `yaml:"backoff_step"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Description    string        `yaml:"description" env:"CHUNKRELAY_DESCRIPTION"`
}

type Fallback struct {
	Dir string `yaml:"dir" env:"CHUNKRELAY_FALLBACK_DIR"`
}

// Metadata selects where stored uploads are recorded. Without a ledger
// path records only go to the log.
type Metadata struct {
	LedgerPath string `yaml:"ledger_path" env:"CHUNKRELAY_LEDGER_PATH"`
}

type Tenant struct {
	UserID   string `yaml:"user_id" env:"CHUNKRELAY_USER_ID"`
	BranchID string `yaml:"branch_id" env:"CHUNKRELAY_BRANCH_ID"`
}

// Default returns a configuration with every tunable set. An empty path in
// Parse yields exactly this plus environment overrides.
func Default() Client {
	return Client{
		Upload: Upload{
			ChunkSize:      defaultChunkSize,
			MaxAttempts:    defaultMaxAttempts,
			BackoffStep:    defaultBackoffStep,
			RequestTimeout: defaultRequestTimeout,
		},
		Fallback: Fallback{Dir: defaultFallbackDir},
	}
}

func Parse(path string) (Client, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Client{}, fmt.Errorf("can't read config file: %w", err)
		}
		if err = yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Client{}, fmt.Errorf("can't parse config file: %w", err)
		}
	}

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Client{}, fmt.Errorf("can't apply environment overrides: %w", err)
	}

	return cfg, nil
}

func (c Client) Validate() error {
	if c.Upload.Endpoint == "" {
		return errors.New("upload.endpoint is required")
	}
	u, err := url.Parse(c.Upload.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upload.endpoint %q is not an http(s) URL", c.Upload.Endpoint)
	}
	if c.Upload.ChunkSize <= 0 {
		return errors.New("upload.chunk_size must be positive")
	}
	// Attempts stay bounded so a dead endpoint can't stall a transfer forever.
	if c.Upload.MaxAttempts < 1 || c.Upload.MaxAttempts > 10 {
		return errors.New("upload.max_attempts must be within 1..10")
	}
	if c.Upload.BackoffStep < 0 || c.Upload.BackoffStep > time.Minute {
		return errors.New("upload.backoff_step must be within 0..1m")
	}
	if c.Upload.RequestTimeout <= 0 {
		return errors.New("upload.request_timeout must be positive")
	}
	if c.Fallback.Dir == "" {
		return errors.New("fallback.dir is required")
	}

	return nil
}
