package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/bt2c/bt2c-core/internal/chain"
	"github.com/bt2c/bt2c-core/internal/config"
	"github.com/bt2c/bt2c-core/internal/logging"
	"github.com/bt2c/bt2c-core/internal/storage"
	"github.com/bt2c/bt2c-core/internal/storage/postgres"
	"github.com/bt2c/bt2c-core/internal/validator"
)

func main() {
	var (
		profilePath = flag.String("profile", "", "path to a YAML node profile (overrides environment config)")
		dataDir     = flag.String("data-dir", "", "override BT2C_DATA_DIR")
		network     = flag.String("network", "", "override BT2C_NETWORK")
		showHelp    = flag.Bool("help", false, "show this help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	logger := logging.New("Node")
	logger.Printf("starting bt2cnode")

	cfg := config.Load()
	if *profilePath != "" {
		profile, err := config.LoadProfile(*profilePath)
		if err != nil {
			logger.Fatalf("load profile %s: %v", *profilePath, err)
		}
		cfg = profile.ToConfig(cfg)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *network != "" {
		cfg.NetworkTag = *network
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logger.Fatalf("create data directory %s: %v", cfg.DataDir, err)
	}

	priv, err := loadOrGenerateEd25519Key(cfg, logger)
	if err != nil {
		logger.Fatalf("load signing key: %v", err)
	}

	validatorDB, err := dbm.NewGoLevelDB("validators", cfg.DataDir)
	if err != nil {
		logger.Fatalf("open validator store: %v", err)
	}
	defer validatorDB.Close()
	registry := validator.NewRegistry(storage.NewKVAdapter(validatorDB), chain.Satoshi(cfg.MinStake))

	node, err := NewNode(cfg, priv, registry)
	if err != nil {
		logger.Fatalf("construct node: %v", err)
	}

	if cfg.DatabaseURL != "" {
		pgClient, err := postgres.NewClient(postgres.Config{
			DatabaseURL:  cfg.DatabaseURL,
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			// The relational mirror is an optional, external-read-access
			// convenience (spec.md §6); the node runs on its KV-backed
			// registry and in-process chain log without it.
			logger.Printf("relational mirror unavailable, running without it: %v", err)
		} else {
			migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := pgClient.Migrate(migrateCtx)
			cancel()
			if err != nil {
				logger.Printf("relational mirror migration failed: %v", err)
				pgClient.Close()
			} else {
				node.AttachStorage(pgClient)
				defer pgClient.Close()
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := node.Start(ctx); err != nil {
		cancel()
		logger.Fatalf("start node: %v", err)
	}

	logger.Printf("node %s listening on %s (network=%s, data-dir=%s)",
		cfg.NodeID, cfg.ListenAddr, cfg.NetworkTag, filepath.Clean(cfg.DataDir))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	cancel()
	node.Stop()
}

func printHelp() {
	fmt.Println("bt2cnode runs a BT2C proof-of-stake core node.")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Configuration is otherwise read from BT2C_* / DATABASE_URL environment")
	fmt.Println("variables; see internal/config for the full list and defaults.")
}
