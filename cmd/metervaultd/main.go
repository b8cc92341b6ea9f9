package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"MeterVault/internal/amount"
	"MeterVault/internal/api"
	"MeterVault/internal/chain"
	"MeterVault/internal/config"
	"MeterVault/internal/events"
	"MeterVault/internal/ledger"
	"MeterVault/internal/registry"
	registryeth "MeterVault/internal/registry/ethereum"
	"MeterVault/internal/runner"
	"MeterVault/internal/vault"
	vaulteth "MeterVault/internal/vault/ethereum"
	"MeterVault/internal/wallet"
	"MeterVault/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("metervaultd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("METERVAULT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "metervault.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := buildLedgerStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	vaultClient, registryClient, err := buildChainClients(ctx, cfg)
	if err != nil {
		return err
	}

	var runQueue runner.Service
	if cfg.RunQueue.BaseURL == "" {
		logger.L().Warn("run queue base_url not set, using in-memory queue")
		runQueue = runner.NewMemoryQueue()
	} else {
		client, err := runner.NewClient(cfg.RunQueue.BaseURL, &http.Client{
			Timeout: time.Duration(cfg.RunQueue.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		runQueue = client
	}

	var publisher events.Publisher
	if cfg.Events.Enabled {
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.Events.URL,
			Queue:      cfg.Events.Queue,
			Durable:    cfg.Events.Durable,
			AutoDelete: cfg.Events.AutoDelete,
		})
		if err != nil {
			return err
		}
		publisher = pub
	}

	user, err := parseAddress(cfg.Session.User, "session.user")
	if err != nil {
		return err
	}
	runnerAddr, err := parseAddress(cfg.Session.Runner, "session.runner")
	if err != nil {
		return err
	}

	var maxPerRun int64
	if cfg.Session.MaxRunCharge != "" {
		maxPerRun, err = amount.ParseUnits(cfg.Session.MaxRunCharge)
		if err != nil {
			return fmt.Errorf("session.max_run_charge: %w", err)
		}
	}

	service, err := wallet.NewService(wallet.Config{
		Session:        cfg.Session.ID,
		User:           user,
		Runner:         runnerAddr,
		Ledger:         ledger.NewManager(cfg.Session.ID, store),
		Vault:          vaultClient,
		Registry:       registryClient,
		Runs:           runQueue,
		Publisher:      publisher,
		MaxPerRunUnits: maxPerRun,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	if err := service.Open(ctx); err != nil {
		return err
	}

	poller := wallet.NewPoller(service, time.Duration(cfg.Poll.IntervalSeconds)*time.Second)
	poller.Start(ctx)
	defer poller.Stop()

	server := api.NewServer(cfg.Server.Address, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildLedgerStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Driver {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "", "file":
		return ledger.NewFileStore(cfg.Runtime.DataDir)
	case "redis":
		return ledger.NewRedisStore(ledger.RedisStoreConfig{
			Address:   cfg.Ledger.Redis.Address,
			Password:  cfg.Ledger.Redis.Password,
			DB:        cfg.Ledger.Redis.DB,
			KeyPrefix: cfg.Ledger.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Ledger.Redis.TTLSeconds) * time.Second,
		})
	case "mysql":
		return ledger.NewMySQLStore(cfg.Ledger.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver: %s", cfg.Ledger.Driver)
	}
}

// buildChainClients dials the vault and registry contracts. Without any chain
// configuration the daemon falls back to in-memory fakes so it can run
// against a local run queue during development.
func buildChainClients(ctx context.Context, cfg *config.Config) (vault.Client, registry.Client, error) {
	if cfg.Chain.RPCURL == "" && cfg.Chain.Name == "" {
		logger.L().Warn("chain endpoint not configured, using in-memory vault and registry")
		return vault.NewMemoryVault(), registry.NewMemoryRegistry(), nil
	}

	rpcURL := cfg.Chain.RPCURL
	if rpcURL == "" {
		defs, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
		if err != nil {
			return nil, nil, err
		}
		def, err := defs.Resolve(cfg.Chain.Name)
		if err != nil {
			return nil, nil, err
		}
		rpcURL = def.RPCURL
	}

	vaultClient, err := vaulteth.NewClient(ctx, vaulteth.Config{
		RPCURL:          rpcURL,
		ContractAddress: cfg.Chain.VaultContract,
	})
	if err != nil {
		return nil, nil, err
	}
	registryClient, err := registryeth.NewClient(ctx, registryeth.Config{
		RPCURL:          rpcURL,
		ContractAddress: cfg.Chain.RegistryContract,
	})
	if err != nil {
		vaultClient.Close()
		return nil, nil, err
	}
	return vaultClient, registryClient, nil
}

func parseAddress(raw, field string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}
