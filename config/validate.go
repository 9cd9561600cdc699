package config

import (
	"fmt"
	"os"
	"strings"
)

// Validate checks that the configuration can start a node. Engine parameter
// bounds are delegated to escrow.Params.Validate so both layers agree.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress is required")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageLevelDB, StorageBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("DataDir is required for %s storage", c.Storage)
		}
	default:
		return fmt.Errorf("unsupported Storage %q", c.Storage)
	}
	if err := c.EscrowParams().Validate(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if c.Escrow.TransitionPeriod.Duration <= 0 {
		return fmt.Errorf("escrow: TransitionPeriod must be positive")
	}
	if _, err := c.EscrowGovernance(); err != nil {
		return err
	}
	if _, err := c.EscrowVault(); err != nil {
		return err
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	if c.Gateway.RateLimitPerSec < 0 || c.Gateway.RateLimitBurst < 0 {
		return fmt.Errorf("gateway: rate limits must be non-negative")
	}
	if c.Gateway.RateLimitPerSec > 0 && c.Gateway.RateLimitBurst == 0 {
		return fmt.Errorf("gateway: RateLimitBurst must be set when RateLimitPerSec is")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	return nil
}

// JWTSecret resolves the gateway signing secret, preferring the inline value
// over the environment variable.
func (c *Config) JWTSecret() ([]byte, error) {
	if secret := strings.TrimSpace(c.Gateway.JWTSecret); secret != "" {
		return []byte(secret), nil
	}
	if env := strings.TrimSpace(c.Gateway.JWTSecretEnv); env != "" {
		if secret := strings.TrimSpace(os.Getenv(env)); secret != "" {
			return []byte(secret), nil
		}
		return nil, fmt.Errorf("gateway: environment variable %s is empty", env)
	}
	return nil, fmt.Errorf("gateway: JWTSecret or JWTSecretEnv required")
}
