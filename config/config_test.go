package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

func TestDefaultValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		EnvID:          "42",
		EnvHost:        "10.0.0.4",
		EnvPort:        "8042",
		EnvCapacity:    "6",
		EnvNeighbours:  "7@10.0.0.7:8007/3, 9@10.0.0.9:8009/1",
		EnvState:       "/tmp/park.json",
		EnvControl:     "tcp://127.0.0.1:7042",
		EnvDialTimeout: "250ms",
	})
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}

	want := Config{
		Role:     RoleGate,
		ID:       42,
		Host:     "10.0.0.4",
		Port:     8042,
		Capacity: 6,
		Neighbours: []message.NodeIdentity{
			message.NewIdentity(7, "10.0.0.7", 8007, 3),
			message.NewIdentity(9, "10.0.0.9", 8009, 1),
		},
		StatePath:   "/tmp/park.json",
		Control:     "tcp://127.0.0.1:7042",
		DialTimeout: 250 * time.Millisecond,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Identity() != message.NewIdentity(42, "10.0.0.4", 8042, 6) {
		t.Errorf("Unexpected identity %v", cfg.Identity())
	}
}

func TestFromMapRejects(t *testing.T) {
	inputs := []map[string]string{
		{EnvID: "x"},
		{EnvPort: "70000"},
		{EnvRole: "ranger"},
		{EnvNeighbours: "oops"},
		{EnvDialTimeout: "soon"},
		{EnvDialTimeout: "0s"},
		{EnvCapacity: "-1"},
		{EnvCapacity: "0"},
		{EnvNeighbours: "7@127.0.0.1:8007"},
		{EnvNeighbours: "7@127.0.0.1:8007/0"},
		{EnvID: "7", EnvNeighbours: "7@127.0.0.1:8007/1"},
		{EnvRole: "visitor", EnvNeighbours: "7@127.0.0.1:8007/1"},
		{EnvState: ""},
	}
	for _, vars := range inputs {
		if _, err := FromMap(vars); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%v: expected ErrInvalidConfig, got %v", vars, err)
		}
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PARK_ROLE=visitor\nPARK_ID=2000\nPARK_PORT=9000\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv(EnvPort, "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Role != RoleVisitor || cfg.ID != 2000 {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.Port != 9100 {
		t.Errorf("Environment should override the file, got port %d", cfg.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Expected an error for a missing env file")
	}
}
