package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/native/escrow"
)

const sampleConfig = `ListenAddress = "127.0.0.1:9000"
DataDir = "/var/lib/valyra"
Storage = "bolt"
CatalogFile = "listings.yaml"

[log]
Level = "debug"

[escrow]
PlatformFeeBps = 300
HandoverWindow = "48h"
TransitionPeriod = "240h"
Owner = "0x0000000000000000000000000000000000000001"
Treasury = "0x0000000000000000000000000000000000000002"
Resolvers = ["0x0000000000000000000000000000000000000003"]

[gateway]
JWTSecret = "s3cret"
DatabasePath = "gw.db"

[[genesis]]
Address = "0x0000000000000000000000000000000000000010"
Balance = "5000000"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" || cfg.Storage != StorageBolt {
		t.Fatalf("unexpected node settings: %+v", cfg)
	}
	params := cfg.EscrowParams()
	if params.PlatformFeeBps != 300 || params.HandoverWindow != 48*time.Hour {
		t.Fatalf("unexpected params: %+v", params)
	}
	if params.TransitionRetainerBps != 1_000 || params.VerifyWindow != 7*24*time.Hour {
		t.Fatalf("defaults not retained: %+v", params)
	}
	if cfg.CatalogFile != filepath.Join(filepath.Dir(path), "listings.yaml") {
		t.Fatalf("catalog path not resolved: %s", cfg.CatalogFile)
	}
	if cfg.Gateway.DatabasePath != filepath.Join("/var/lib/valyra", "gw.db") {
		t.Fatalf("gateway db path not resolved: %s", cfg.Gateway.DatabasePath)
	}

	gov, err := cfg.EscrowGovernance()
	if err != nil {
		t.Fatalf("governance: %v", err)
	}
	if gov.Owner != common.HexToAddress("0x01") || gov.TransitionPeriod != 240*time.Hour {
		t.Fatalf("unexpected governance: %+v", gov)
	}
	if len(gov.Resolvers) != 1 || gov.Resolvers[0] != common.HexToAddress("0x03") {
		t.Fatalf("unexpected resolvers: %v", gov.Resolvers)
	}
	vault, err := cfg.EscrowVault()
	if err != nil || vault != escrow.DefaultVault {
		t.Fatalf("expected default vault, got %s (%v)", vault.Hex(), err)
	}

	balances, err := cfg.GenesisBalances()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if len(balances) != 1 || balances[0].Amount.String() != "5000000" {
		t.Fatalf("unexpected genesis: %+v", balances)
	}
	secret, err := cfg.JWTSecret()
	if err != nil || string(secret) != "s3cret" {
		t.Fatalf("unexpected secret %q (%v)", secret, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, sampleConfig+"\nBogus = 1\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadValidates(t *testing.T) {
	cases := map[string]string{
		"bad storage":  strings.Replace(sampleConfig, `Storage = "bolt"`, `Storage = "s3"`, 1),
		"fee bps":      strings.Replace(sampleConfig, "PlatformFeeBps = 300", "PlatformFeeBps = 10001", 1),
		"windows":      strings.Replace(sampleConfig, `HandoverWindow = "48h"`, `HandoverWindow = "400h"`, 1),
		"duration":     strings.Replace(sampleConfig, `HandoverWindow = "48h"`, `HandoverWindow = "two days"`, 1),
		"owner":        strings.Replace(sampleConfig, `Owner = "0x0000000000000000000000000000000000000001"`, `Owner = "alice"`, 1),
		"genesis":      strings.Replace(sampleConfig, `Balance = "5000000"`, `Balance = "-1"`, 1),
		"sample ratio": sampleConfig + "\n[telemetry]\nSampleRatio = 2.0\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error asking for governance accounts")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default not written: %v", err)
	}
	if !strings.Contains(string(data), `HandoverWindow = "72h0m0s"`) {
		t.Fatalf("default file missing escrow windows:\n%s", data)
	}
}

func TestJWTSecretFromEnvironment(t *testing.T) {
	cfg := Default()
	cfg.Gateway.JWTSecretEnv = "VALYRA_TEST_JWT"
	t.Setenv("VALYRA_TEST_JWT", "from-env")
	secret, err := cfg.JWTSecret()
	if err != nil || string(secret) != "from-env" {
		t.Fatalf("unexpected secret %q (%v)", secret, err)
	}
	t.Setenv("VALYRA_TEST_JWT", "")
	if _, err := cfg.JWTSecret(); err == nil {
		t.Fatalf("expected empty env error")
	}
}
