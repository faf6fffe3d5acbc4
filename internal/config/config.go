package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the name of the config file inside the home directory.
const ConfigFile = "config.yaml"

// MaxStreams bounds backend.streams. Every stream index owns one handle per
// library, so the bound also caps the BLAS and solver pools.
const MaxStreams = 256

// GetDefaultConfigHome returns ~/.handlepool, or the working directory when
// the user home cannot be determined.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".handlepool")
}

// PoolConfig sizes one handle pool. Zero values disable the corresponding
// eviction policy.
type PoolConfig struct {
	MaxIdlePerKey int           `yaml:"maxIdlePerKey"`
	IdleTTL       time.Duration `yaml:"idleTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Server struct {
		ListenAddress   string        `yaml:"listenAddress"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		MaxRequestBytes int64         `yaml:"maxRequestBytes"`
	} `yaml:"server"`
	Backend struct {
		// Preferred is one of auto, cpu or cuda.
		Preferred string `yaml:"preferred"`
		// Streams is the number of streams the backend owns per device.
		// Requests address them by index.
		Streams int `yaml:"streams"`
	} `yaml:"backend"`
	Pools struct {
		BLAS   PoolConfig `yaml:"blas"`
		Solver PoolConfig `yaml:"solver"`
		FFT    PoolConfig `yaml:"fft"`
	} `yaml:"pools"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Server.ListenAddress = "127.0.0.1:9090"
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Server.MaxRequestBytes = 8 << 20
	c.Backend.Preferred = "auto"
	c.Backend.Streams = 8
	// FFT plans are keyed by size as well as stream, so their key space is
	// open-ended and needs a TTL.
	c.Pools.FFT.IdleTTL = 10 * time.Minute
	return &c
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Backend.Preferred {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("backend.preferred must be auto, cpu or cuda, got %q", c.Backend.Preferred)
	}
	switch c.Logger.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logger.encoding must be json or console, got %q", c.Logger.Encoding)
	}
	if c.Server.ListenAddress == "" {
		return errors.New("server.listenAddress is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdownTimeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	if c.Server.MaxRequestBytes <= 0 {
		return fmt.Errorf("server.maxRequestBytes must be positive, got %d", c.Server.MaxRequestBytes)
	}
	if c.Backend.Streams < 1 || c.Backend.Streams > MaxStreams {
		return fmt.Errorf("backend.streams must be between 1 and %d, got %d", MaxStreams, c.Backend.Streams)
	}

	for name, p := range map[string]PoolConfig{
		"blas":   c.Pools.BLAS,
		"solver": c.Pools.Solver,
		"fft":    c.Pools.FFT,
	} {
		if err := p.validate(); err != nil {
			return fmt.Errorf("pools.%s: %w", name, err)
		}
	}
	return nil
}

func (p PoolConfig) validate() error {
	if p.MaxIdlePerKey < 0 {
		return fmt.Errorf("maxIdlePerKey must not be negative, got %d", p.MaxIdlePerKey)
	}
	if p.IdleTTL < 0 || p.SweepInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if p.SweepInterval > 0 && p.IdleTTL == 0 {
		return errors.New("sweepInterval requires idleTTL")
	}
	return nil
}
