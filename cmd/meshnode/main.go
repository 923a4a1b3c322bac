package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"meshmux/core/internal/composition"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (seed envelope, snapshots)")
	passwordEnv := flag.String("password-env", "MESHNODE_PASSWORD", "Environment variable holding the identity unlock password")
	flag.Parse()
	if *showVersion {
		fmt.Printf("meshnode version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := loadConfig(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("meshnode failed to load config: %v", err)
	}

	password := os.Getenv(*passwordEnv)
	if password == "" {
		log.Fatalf("meshnode requires an identity unlock password in $%s", *passwordEnv)
	}

	core, err := composition.New(cfg, password, nil)
	if err != nil {
		log.Fatalf("meshnode failed to initialize: %v", err)
	}
	if mnemonic := core.Identity().Mnemonic; mnemonic != "" {
		log.Printf("meshnode created a new identity, record this recovery phrase now: %s", mnemonic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("meshnode starting, verification key %s", core.Identity().VerificationKeyHex)
	if err := core.Start(ctx); err != nil {
		log.Fatalf("meshnode failed: %v", err)
	}
	log.Println("meshnode stopped")
}

// loadConfig starts from composition.DefaultConfig, layers in configPath's
// YAML if given, fills dataDir-derived paths for anything the file left
// blank, and normalizes the result.
func loadConfig(configPath, dataDir string) (composition.Config, error) {
	cfg := composition.DefaultConfig()
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return composition.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return composition.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if dataDir != "" {
		if cfg.Identity.SeedEnvelopePath == "" {
			cfg.Identity.SeedEnvelopePath = filepath.Join(dataDir, "identity.seed.json")
		}
		if cfg.Storage.SnapshotPath == "" {
			cfg.Storage.SnapshotPath = filepath.Join(dataDir, "store.snapshot.enc")
		}
		if cfg.Bloom.SnapshotPath == "" {
			cfg.Bloom.SnapshotPath = filepath.Join(dataDir, "dedup.snapshot.json")
		}
	}
	if cfg.Storage.SnapshotSecret == "" {
		cfg.Storage.SnapshotSecret = os.Getenv("MESHNODE_STORAGE_SECRET")
	}
	return cfg.Normalize(), nil
}
