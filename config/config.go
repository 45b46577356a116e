// Package config loads park node settings from a .env file and PARK_*
// environment variables.
//
// Precedence, highest first: process environment, .env file, Default().
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Role selects which engine a node runs.
type Role string

// Node roles.
const (
	RoleGate    Role = "gate"
	RoleVisitor Role = "visitor"
)

// Environment variable names.
const (
	EnvRole         = "PARK_ROLE"
	EnvID           = "PARK_ID"
	EnvHost         = "PARK_HOST"
	EnvPort         = "PARK_PORT"
	EnvCapacity     = "PARK_CAPACITY"
	EnvNeighbours   = "PARK_NEIGHBOURS"
	EnvState        = "PARK_STATE"
	EnvControl      = "PARK_CONTROL"
	EnvControlToken = "PARK_CONTROL_TOKEN"
	EnvMetrics      = "PARK_METRICS"
	EnvHealth       = "PARK_HEALTH"
	EnvTrace        = "PARK_TRACE"
	EnvDialTimeout  = "PARK_DIAL_TIMEOUT"
)

// ErrInvalidConfig is returned for unparsable or inconsistent settings.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the settings of one node process.
type Config struct {
	Role       Role
	ID         int
	Host       string
	Port       int
	Capacity   int
	Neighbours []message.NodeIdentity

	// StatePath is the shared repository file. Gates only.
	StatePath string

	// Optional endpoints. Empty disables the component.
	Control      string
	ControlToken string
	Metrics      string
	Health       string
	TracePath    string

	DialTimeout time.Duration
}

// Default returns the settings of a gate on 127.0.0.1:8001.
func Default() Config {
	return Config{
		Role:        RoleGate,
		ID:          100,
		Host:        "127.0.0.1",
		Port:        8001,
		Capacity:    1,
		StatePath:   "repository.json",
		DialTimeout: 5 * time.Second,
	}
}

// Load reads envFile (skipped when empty) and the process environment on top
// of Default().
func Load(envFile string) (Config, error) {
	vars := make(map[string]string)
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
		vars = fileVars
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "PARK_") {
			vars[k] = v
		}
	}
	return FromMap(vars)
}

// FromMap builds a Config from PARK_* variables on top of Default().
func FromMap(vars map[string]string) (Config, error) {
	cfg := Default()

	if v, ok := vars[EnvRole]; ok {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := vars[EnvHost]; ok {
		cfg.Host = strings.TrimSpace(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvID, &cfg.ID},
		{EnvPort, &cfg.Port},
		{EnvCapacity, &cfg.Capacity},
	}
	for _, f := range ints {
		v, ok := vars[f.key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, f.key, v)
		}
		*f.dst = n
	}

	if v, ok := vars[EnvNeighbours]; ok {
		ids, err := message.ParseIdentities(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvNeighbours, err)
		}
		cfg.Neighbours = ids
	}

	if v, ok := vars[EnvState]; ok {
		cfg.StatePath = v
	}
	if v, ok := vars[EnvControl]; ok {
		cfg.Control = v
	}
	if v, ok := vars[EnvControlToken]; ok {
		cfg.ControlToken = v
	}
	if v, ok := vars[EnvMetrics]; ok {
		cfg.Metrics = v
	}
	if v, ok := vars[EnvHealth]; ok {
		cfg.Health = v
	}
	if v, ok := vars[EnvTrace]; ok {
		cfg.TracePath = v
	}

	if v, ok := vars[EnvDialTimeout]; ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvDialTimeout, v)
		}
		cfg.DialTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the settings describe a runnable node.
func (c Config) Validate() error {
	switch c.Role {
	case RoleGate:
		if c.StatePath == "" {
			return fmt.Errorf("%w: gate needs %s", ErrInvalidConfig, EnvState)
		}
		if c.Capacity < 1 {
			return fmt.Errorf("%w: gate capacity must be at least 1", ErrInvalidConfig)
		}
	case RoleVisitor:
		if len(c.Neighbours) > 0 {
			return fmt.Errorf("%w: visitors have no neighbours", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, c.Role)
	}

	if c.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("%w: negative capacity", ErrInvalidConfig)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial timeout must be positive", ErrInvalidConfig)
	}
	for _, n := range c.Neighbours {
		if n.ID == c.ID {
			return fmt.Errorf("%w: node %d lists itself as a neighbour", ErrInvalidConfig, c.ID)
		}
		if n.Capacity < 1 {
			return fmt.Errorf("%w: neighbour %s has no capacity", ErrInvalidConfig, n)
		}
	}
	return nil
}

// Identity returns the node identity described by c.
func (c Config) Identity() message.NodeIdentity {
	return message.NewIdentity(c.ID, c.Host, c.Port, c.Capacity)
}
