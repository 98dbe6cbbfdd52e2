package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	control "mpc-path-tracker/closed_loop/lateral_control"
)

const maxConfigSize = 1 * 1024 * 1024 // 1MB

const mphToMPS = 0.44704

// ControllerConfig is the on-disk controller configuration: the MPC tuning
// plus how to read the simulator's telemetry.
type ControllerConfig struct {
	control.MPCConfig

	// SpeedUnit is the unit of telemetry "speed": "mps" (default) or "mph".
	// Telemetry speed is converted to m/s before it reaches the controller,
	// so reference_speed is always in m/s.
	SpeedUnit string `json:"speed_unit"`

	// Fallback decides what is sent when a cycle's command is withheld.
	Fallback FallbackConfig `json:"fallback"`
}

// DefaultControllerConfig is used when no config file is given.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MPCConfig: control.DefaultMPCConfig(),
		SpeedUnit: "mps",
		Fallback:  DefaultFallbackConfig(),
	}
}

// LoadControllerConfig loads a controller config from a JSON file. Fields
// omitted from the file keep their default values.
func LoadControllerConfig(path string) (ControllerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return ControllerConfig{}, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return ControllerConfig{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("read file: %w", err)
	}

	cfg := DefaultControllerConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ControllerConfig{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ControllerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the speed unit and the MPC and fallback sections.
func (c *ControllerConfig) Validate() error {
	switch strings.ToLower(c.SpeedUnit) {
	case "", "mps", "mph":
	default:
		return fmt.Errorf("invalid speed_unit '%s' (want mps or mph)", c.SpeedUnit)
	}
	if err := c.Fallback.Validate(); err != nil {
		return err
	}
	return c.MPCConfig.Validate()
}

// SpeedToMPS converts a telemetry speed reading to m/s.
func (c *ControllerConfig) SpeedToMPS(speed float64) float64 {
	if strings.EqualFold(c.SpeedUnit, "mph") {
		return speed * mphToMPS
	}
	return speed
}
