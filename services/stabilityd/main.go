package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"civicoin/native/stability"
	"civicoin/observability/logging"
	telemetry "civicoin/observability/otel"
	"civicoin/services/stabilityd/adapters"
	"civicoin/services/stabilityd/bridge"
	"civicoin/services/stabilityd/config"
	"civicoin/services/stabilityd/oracle"
	"civicoin/services/stabilityd/rebalancer"
	"civicoin/services/stabilityd/server"
	"civicoin/services/stabilityd/storage"
)

const sampleRetention = 24 * time.Hour

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/stabilityd/config.yaml", "path to stabilityd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CIVICOIN_ENV"))
	logger := logging.Setup("stabilityd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	sampleRatio := 0.0
	if value := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLE_RATIO")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			sampleRatio = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "stabilityd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
		SampleRatio: sampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("stabilityd: load config: %v", err)
	}
	logger.Info("configuration loaded",
		slog.String("listen", cfg.ListenAddress),
		slog.String("database", cfg.DatabasePath),
		slog.String("pair", cfg.Oracle.Pair.Base+"/"+cfg.Oracle.Pair.Quote),
		logging.MaskField("bearer_token", cfg.Admin.BearerToken),
		logging.MaskField("bridge_token", cfg.Bridge.Token),
	)

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("stabilityd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("stabilityd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	params := stability.PolicyParams{
		TargetPrice:        cfg.Policy.TargetPrice,
		ToleranceBandBps:   cfg.Policy.ToleranceBps,
		ReserveRatioBps:    cfg.Policy.ReserveRatioBps,
		MaxSupplyChangeBps: cfg.Policy.MaxChangeBps,
		DampingBps:         cfg.Policy.DampingBps,
		RebalanceInterval:  cfg.Policy.RebalanceInterval.Duration,
		LookbackWindow:     cfg.Policy.LookbackWindow.Duration,
	}
	// A policy saved through the admin API wins over the static file.
	if stored, ok, err := store.LoadPolicy(ctx); err != nil {
		log.Fatalf("stabilityd: load policy: %v", err)
	} else if ok {
		params = stored
	}

	var initialSupply, initialReserve int64
	if cfg.Policy.InitialSupply > 0 {
		if initialSupply, err = stability.ToAmountUnits(cfg.Policy.InitialSupply); err != nil {
			log.Fatalf("stabilityd: initial supply: %v", err)
		}
	}
	if cfg.Policy.InitialReserve > 0 {
		if initialReserve, err = stability.ToAmountUnits(cfg.Policy.InitialReserve); err != nil {
			log.Fatalf("stabilityd: initial reserve: %v", err)
		}
	}

	engine, err := stability.NewEngine(params, initialSupply, initialReserve)
	if err != nil {
		log.Fatalf("stabilityd: policy engine: %v", err)
	}
	engine.WithStateStore(store)
	engine.WithAdjustmentStore(store)

	state, found, err := store.LoadSupplyState(ctx)
	if err != nil {
		log.Fatalf("stabilityd: load supply state: %v", err)
	}
	if found {
		engine.RestoreSupplyState(state)
	} else {
		state = engine.SupplyState()
		if err := store.SaveSupplyState(ctx, state); err != nil {
			log.Fatalf("stabilityd: persist initial supply state: %v", err)
		}
	}

	pair := oracle.Pair{Base: cfg.Oracle.Pair.Base, Quote: cfg.Oracle.Pair.Quote}

	// Warm the price window from persisted samples so a restart does not
	// blind the next rebalance evaluation.
	cutoff := time.Now().Add(-engine.Params().LookbackWindow)
	if samples, err := store.RecentPriceSamples(ctx, pair.String(), cutoff); err != nil {
		log.Printf("stabilityd: load recent samples: %v", err)
	} else {
		for _, point := range samples {
			if err := engine.AddPriceData(ctx, point); err != nil {
				log.Printf("stabilityd: replay sample: %v", err)
			}
		}
	}

	var publisher bridge.Publisher
	if cfg.Bridge.Enabled {
		webhook, err := bridge.NewWebhookPublisher(&http.Client{Timeout: 10 * time.Second}, cfg.Bridge.Endpoint, cfg.Bridge.Token)
		if err != nil {
			log.Fatalf("stabilityd: bridge publisher: %v", err)
		}
		publisher = webhook
	}
	dispatcher := bridge.NewDispatcher(publisher)
	dispatcher.Prime(state.Sequence)

	registry := adapters.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Oracle.Sources))
	for _, src := range cfg.Oracle.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.APIKey, src.Asset)
		if err != nil {
			log.Fatalf("stabilityd: build source %s: %v", src.Name, err)
		}
		sources = append(sources, built)
	}

	mgr, err := oracle.New(engine, store, sources, pair, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds)
	if err != nil {
		log.Fatalf("stabilityd: oracle manager: %v", err)
	}

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   strings.TrimSpace(cfg.Admin.ClientCA) != "",
	})
	if err != nil {
		log.Fatalf("stabilityd: configure admin auth: %v", err)
	}

	var tlsConfig *tls.Config
	tlsDisabled := strings.TrimSpace(cfg.Admin.TLSCert) == ""
	if !tlsDisabled {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if caPath := strings.TrimSpace(cfg.Admin.ClientCA); caPath != "" {
			caData, err := os.ReadFile(caPath)
			if err != nil {
				log.Fatalf("stabilityd: load admin client CA: %v", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				log.Fatalf("stabilityd: parse admin client CA: %s", caPath)
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Ingest: server.RateLimit{
			RatePerSecond: cfg.Ingest.RatePerSecond,
			Burst:         cfg.Ingest.Burst,
		},
		TLS: server.TLSConfig{
			Disabled: tlsDisabled,
			CertFile: cfg.Admin.TLSCert,
			KeyFile:  cfg.Admin.TLSKey,
			Config:   tlsConfig,
		},
	}, engine, store, dispatcher, authenticator, log.Default())
	if err != nil {
		log.Fatalf("stabilityd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("stabilityd: oracle manager exited: %v", err)
			stop()
		}
	}()

	if cfg.Policy.RebalanceAutomatic {
		runner, err := rebalancer.New(engine, dispatcher, cfg.Oracle.Interval.Duration, log.Default())
		if err != nil {
			log.Fatalf("stabilityd: rebalance runner: %v", err)
		}
		go func() {
			if err := runner.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("stabilityd: rebalance runner exited: %v", err)
				stop()
			}
		}()
	}

	go pruneSamples(rootCtx, store)

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("stabilityd: http server error: %v", err)
		os.Exit(1)
	}
}

func pruneSamples(ctx context.Context, store *storage.Storage) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PrunePriceSamples(ctx, time.Now().Add(-sampleRetention)); err != nil {
				log.Printf("stabilityd: prune price samples: %v", err)
			}
		}
	}
}
