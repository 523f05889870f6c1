// Command escrowd runs the Bitcoin-collateralized loan escrow engine's
// background services: the chain monitor, the LTV monitor, and the price
// oracle polling loop, wired over either a Postgres-backed store or, for
// local development, an in-memory one. The key ceremony, signature store,
// emergency-recovery service, and resolution executor it constructs are
// consumed by a transport layer (HTTP/gRPC handlers) outside this package's
// scope; this entrypoint wires them once and exposes them for that purpose.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/chainmonitor"
	"escrowd/config"
	btccrypto "escrowd/crypto"
	"escrowd/native/common"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/observability/otel"
	"escrowd/priceoracle"
	"escrowd/storage/memstore"
	"escrowd/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "escrowd:", err)
		os.Exit(1)
	}
}

// services bundles everything run wires up, so a transport layer embedded in
// the same process can reach the pieces it needs without re-constructing them.
type services struct {
	Store            escrow.Store
	KeyCeremony      *escrow.KeyCeremony
	SignatureStore   *escrow.SignatureStore
	EmergencyService *escrow.EmergencyRecoveryService
	Executor         *escrow.Executor
	Oracle           *priceoracle.Oracle
	Monitor          *chainmonitor.Monitor
	LTVMonitor       *chainmonitor.LTVMonitor
}

func run() error {
	configPath := flag.String("config", "/etc/escrowd/escrowd.toml", "path to TOML config file")
	useMemstore := flag.Bool("memstore", false, "use the in-memory store instead of Postgres (development only)")
	devOverride := flag.Bool("dev-skip-timelock", false, "bypass the recovery timelock check (development only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !*useMemstore {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	log := logging.Setup("escrowd", os.Getenv("ESCROWD_ENV"), cfg.LogFile)
	log.Info("starting escrowd", "config", cfg.Sanitized())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.OtelEndpoint != "" {
		shutdownTelemetry, err := otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: os.Getenv("ESCROWD_ENV"),
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			Metrics:     true,
			Traces:      true,
			ResourceAttributes: map[string]string{
				"escrow.network":             cfg.Network,
				"escrow.recovery_csv_blocks": fmt.Sprintf("%d", cfg.RecoveryCSVBlocks),
			},
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdownTelemetry(context.Background())
	}

	netParams, err := networkParams(cfg.Network)
	if err != nil {
		return err
	}

	var store escrow.Store
	var lister chainmonitor.LoanLister
	if *useMemstore {
		ms := memstore.New()
		store, lister = ms, ms
		log.Warn("using in-memory store; state does not survive a restart")
	} else {
		pg, err := postgres.Open(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		store, lister = pg, pg
	}

	resolver, err := keyResolver(cfg)
	if err != nil {
		return err
	}

	quotaStore := common.NewMemoryStore()

	sigStore := escrow.NewSignatureStore(store, quotaStore,
		cfg.SignatureRateLimitMax, time.Duration(cfg.SignatureRateLimitWindowSec)*time.Second, netParams)

	keyCeremony := escrow.NewKeyCeremony(netParams, resolver, []byte(cfg.MasterKMSSecret))

	recoverySvc := escrow.NewEmergencyRecoveryService(store, quotaStore, escrow.EmergencyRecoveryQuota, *devOverride)

	primary := priceoracle.NewHTTPSource("coingecko", cfg.PriceSourcePrimaryURL, nil)
	var fallback priceoracle.Source
	if cfg.PriceSourceFallbackURL != "" {
		fallback = priceoracle.NewHTTPSource("fallback-http", cfg.PriceSourceFallbackURL, nil)
	} else {
		fallback = priceoracle.NewStaticFallbackSource(5_000_000_00, 4_600_000_00)
	}
	oracle := priceoracle.New(log, primary, fallback,
		time.Duration(cfg.PriceOracleIntervalSec)*time.Second,
		time.Duration(cfg.PriceOracleMaxAgeSec)*time.Second)

	indexer := chainmonitor.NewRPCIndexer(cfg.IndexerRPCURL, cfg.IndexerAuthToken, 10*time.Second)

	var cursor chainmonitor.TopUpCursor
	if cfg.LogFile != "" {
		durable, err := memstore.OpenSeenCursor(cfg.LogFile + ".topup-cursor.db")
		if err != nil {
			log.Warn("failed to open durable top-up cursor; continuing without it", "error", err)
		} else {
			cursor = durable
			defer durable.Close()
		}
	}

	monitor := chainmonitor.NewMonitor(log, store, indexer,
		time.Duration(cfg.ChainPollIntervalSec)*time.Second, cursor)

	ltvThresholds := chainmonitor.LTVThresholds{
		WarningBp:     cfg.LTVWarningBp,
		CriticalBp:    cfg.LTVCriticalBp,
		LiquidationBp: cfg.LTVLiquidationBp,
	}
	ltvMonitor := chainmonitor.NewLTVMonitor(log, store, oracle.USDPriceFunc(), ltvThresholds,
		time.Duration(cfg.LTVPollIntervalSec)*time.Second)

	locks := escrow.NewLockTable()
	executor := escrow.NewExecutor(escrow.ExecutorConfig{
		Store:             store,
		Locks:             locks,
		Broadcaster:       indexer,
		PlatformKey:       platformKeyUnsealer(resolver),
		LenderKey:         lenderKeyUnsealer(resolver),
		PriceOracle:       oracle.USDPriceFunc(),
		FeeRateSatPerVb:   cfg.FeeRateSatPerVb,
		AvgBlockInterval:  cfg.AvgBlockInterval(),
		RecoveryCSVBlocks: cfg.RecoveryCSVBlocks,
	})

	svc := &services{
		Store:            store,
		KeyCeremony:      keyCeremony,
		SignatureStore:   sigStore,
		EmergencyService: recoverySvc,
		Executor:         executor,
		Oracle:           oracle,
		Monitor:          monitor,
		LTVMonitor:       ltvMonitor,
	}
	_ = svc // held for a transport layer to embed; this entrypoint only runs the background loops

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	go oracle.Run(ctx)
	go monitor.Run(ctx, lister)
	go ltvMonitor.Run(ctx, lister)

	log.Info("escrowd ready")
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return metricsServer.Shutdown(shutdownCtx)
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

func keyResolver(cfg *config.Config) (btccrypto.KeyResolver, error) {
	secret := cfg.MasterKMSSecret
	if secret == "" {
		// Validate() above refuses to start a Postgres-backed deployment
		// with no KMS secret configured; this placeholder only lets
		// -memstore runs work locally without a real KMS deployment.
		secret = "local-development-key-material-32bytes!"
	}
	key := make([]byte, 32)
	copy(key, []byte(secret))
	return btccrypto.NewStaticKeyResolver("local", key)
}

// platformKeyUnsealer and lenderKeyUnsealer are placeholders: a real
// deployment looks up the loan's sealed key material (written by
// KeyCeremony.CommitFunding and the platform's own signing-key store) before
// calling crypto.OpenPrivateKey against resolver. Wiring that lookup
// requires the concrete per-loan key storage a transport layer owns, so it
// is left to that layer rather than invented here.
func platformKeyUnsealer(resolver btccrypto.KeyResolver) escrow.KeyUnsealer {
	return func(loanID uint64) (*btcec.PrivateKey, error) {
		return nil, fmt.Errorf("platform key unsealing is not wired in this entrypoint")
	}
}

func lenderKeyUnsealer(resolver btccrypto.KeyResolver) escrow.KeyUnsealer {
	return func(loanID uint64) (*btcec.PrivateKey, error) {
		return nil, fmt.Errorf("lender key unsealing is not wired in this entrypoint")
	}
}
