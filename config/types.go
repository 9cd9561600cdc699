package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so TOML files can use strings like "72h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Log controls structured logging output.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Escrow captures the protocol windows and the genesis governance accounts.
// Governance fields only seed an empty database; once persisted the stored
// snapshot wins and changes go through the admin operations.
type Escrow struct {
	PlatformFeeBps        uint32   `toml:"PlatformFeeBps"`
	TransitionRetainerBps uint32   `toml:"TransitionRetainerBps"`
	HandoverWindow        Duration `toml:"HandoverWindow"`
	VerifyWindow          Duration `toml:"VerifyWindow"`
	VerifyExtension       Duration `toml:"VerifyExtension"`
	DisputeResponseWindow Duration `toml:"DisputeResponseWindow"`
	EmergencyCooldown     Duration `toml:"EmergencyCooldown"`
	TransitionPeriod      Duration `toml:"TransitionPeriod"`
	Owner                 string   `toml:"Owner"`
	Treasury              string   `toml:"Treasury"`
	Resolvers             []string `toml:"Resolvers"`
	Vault                 string   `toml:"Vault"`
}

// Gateway configures the HTTP front end.
type Gateway struct {
	DatabasePath      string   `toml:"DatabasePath"`
	JWTSecret         string   `toml:"JWTSecret"`
	JWTSecretEnv      string   `toml:"JWTSecretEnv"`
	JWTIssuer         string   `toml:"JWTIssuer"`
	JWTAudience       string   `toml:"JWTAudience"`
	RateLimitPerSec   float64  `toml:"RateLimitPerSec"`
	RateLimitBurst    int      `toml:"RateLimitBurst"`
	ReadHeaderTimeout Duration `toml:"ReadHeaderTimeout"`
	ShutdownTimeout   Duration `toml:"ShutdownTimeout"`
}

// Allocation credits an account at genesis. Balance is a base-10 integer.
type Allocation struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}
