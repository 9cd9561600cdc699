package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage backends accepted by Config.Storage.
const (
	StorageMemory  = "memory"
	StorageLevelDB = "leveldb"
	StorageBolt    = "bolt"
)

type Config struct {
	ListenAddress string       `toml:"ListenAddress"`
	DataDir       string       `toml:"DataDir"`
	Storage       string       `toml:"Storage"`
	CatalogFile   string       `toml:"CatalogFile"`
	Environment   string       `toml:"Environment"`
	Log           Log          `toml:"log"`
	Telemetry     Telemetry    `toml:"telemetry"`
	Escrow        Escrow       `toml:"escrow"`
	Gateway       Gateway      `toml:"gateway"`
	Genesis       []Allocation `toml:"genesis"`
}

// Default returns a configuration suitable for a local development node.
func Default() *Config {
	return &Config{
		ListenAddress: ":8090",
		DataDir:       "./valyra-data",
		Storage:       StorageLevelDB,
		CatalogFile:   "listings.yaml",
		Environment:   "dev",
		Log:           Log{Level: "info"},
		Telemetry:     Telemetry{Endpoint: "localhost:4318", Insecure: true, SampleRatio: 1},
		Escrow: Escrow{
			PlatformFeeBps:        250,
			TransitionRetainerBps: 1_000,
			HandoverWindow:        Duration{72 * time.Hour},
			VerifyWindow:          Duration{7 * 24 * time.Hour},
			VerifyExtension:       Duration{72 * time.Hour},
			DisputeResponseWindow: Duration{72 * time.Hour},
			EmergencyCooldown:     Duration{7 * 24 * time.Hour},
			TransitionPeriod:      Duration{30 * 24 * time.Hour},
			Resolvers:             []string{},
		},
		Gateway: Gateway{
			DatabasePath:      "gateway.db",
			JWTSecretEnv:      "VALYRA_JWT_SECRET",
			JWTIssuer:         "valyra",
			RateLimitPerSec:   20,
			RateLimitBurst:    40,
			ReadHeaderTimeout: Duration{5 * time.Second},
			ShutdownTimeout:   Duration{15 * time.Second},
		},
		Genesis: []Allocation{},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults so first boot has something to edit. Values omitted from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalise(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// normalise trims values and resolves data-relative paths.
func (c *Config) normalise(configPath string) {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Escrow.Resolvers == nil {
		c.Escrow.Resolvers = []string{}
	}
	if c.Genesis == nil {
		c.Genesis = []Allocation{}
	}
	if file := strings.TrimSpace(c.CatalogFile); file != "" && !filepath.IsAbs(file) {
		c.CatalogFile = filepath.Join(filepath.Dir(configPath), file)
	}
	if db := strings.TrimSpace(c.Gateway.DatabasePath); db != "" && !filepath.IsAbs(db) {
		c.Gateway.DatabasePath = filepath.Join(c.DataDir, db)
	}
}

// createDefault creates and saves a default configuration file. The default
// has no owner or treasury, so Validate fails until an operator fills them in.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("wrote default config to %s; set escrow.Owner and escrow.Treasury before starting", path)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
