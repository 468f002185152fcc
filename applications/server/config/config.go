package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v2"
)

// AppMaxFileSize is the ceiling applied regardless of deployment limits.
const AppMaxFileSize int64 = 500 * 1024 * 1024

// Staging backends.
const (
	StagingFilesystem = "filesystem"
	StagingMemory     = "memory"
)

const (
	defaultStagingTTL    = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute
)

type Server struct {
	API     Api     `yaml:"api"`
	Storage Storage `yaml:"storage"`
	Limits  Limits  `yaml:"limits"`
}

type Api struct {
	HTTPAddr string `yaml:"http_addr" env:"CHUNKRELAY_HTTP_ADDR"`
}

type Storage struct {
	UploadRoot      string        `yaml:"upload_root" env:"CHUNKRELAY_UPLOAD_ROOT"`
	PublicPrefix    string        `yaml:"public_prefix" env:"CHUNKRELAY_PUBLIC_PREFIX"`
	StagingBackend  string        `yaml:"staging_backend" env:"CHUNKRELAY_STAGING_BACKEND"`
	StagingDir      string        `yaml:"staging_dir" env:"CHUNKRELAY_STAGING_DIR"`
	StagingCapacity int64         `yaml:"staging_capacity"`
	StagingTTL      time.Duration `yaml:"staging_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type Limits struct {
	// MaxRequestSize mirrors the deployment's request size limit, zero when
	// there is none.
	MaxRequestSize int64 `yaml:"max_request_size" env:"CHUNKRELAY_MAX_REQUEST_SIZE"`
}

// MaxFileSize is the smaller of AppMaxFileSize and the deployment limit.
func (l Limits) MaxFileSize() int64 {
	if l.MaxRequestSize > 0 && l.MaxRequestSize < AppMaxFileSize {
		return l.MaxRequestSize
	}
	return AppMaxFileSize
}

// Parse reads the YAML file at path and applies environment overrides.
func Parse(path string) (Server, error) {
	cfg := Server{
		Storage: Storage{
			PublicPrefix:   "uploads",
			StagingBackend: StagingFilesystem,
			StagingTTL:     defaultStagingTTL,
			SweepInterval:  defaultSweepInterval,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Server{}, fmt.Errorf("can't read config file: %w", err)
	}

	if err = yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Server{}, fmt.Errorf("can't parse config file: %w", err)
	}

	if _, err = env.UnmarshalFromEnviron(&cfg); err != nil {
		return Server{}, fmt.Errorf("can't apply environment overrides: %w", err)
	}

	return cfg, nil
}

func (s Server) Validate() error {
	if s.API.HTTPAddr == "" {
		return errors.New("api.http_addr is required")
	}
	if s.Storage.UploadRoot == "" {
		return errors.New("storage.upload_root is required")
	}

	switch s.Storage.StagingBackend {
	case StagingFilesystem:
		if s.Storage.StagingDir == "" {
			return errors.New("storage.staging_dir is required for the filesystem backend")
		}
	case StagingMemory:
	default:
		return fmt.Errorf("unknown storage.staging_backend %q", s.Storage.StagingBackend)
	}

	if s.Storage.StagingTTL <= 0 {
		return errors.New("storage.staging_ttl must be positive")
	}
	if s.Storage.SweepInterval <= 0 {
		return errors.New("storage.sweep_interval must be positive")
	}
	if s.Limits.MaxRequestSize < 0 {
		return errors.New("limits.max_request_size must not be negative")
	}

	return nil
}
