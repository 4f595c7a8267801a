package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
	"github.com/ducminhle1904/crypto-signal-trader/internal/broker/bybit"
	"github.com/ducminhle1904/crypto-signal-trader/internal/broker/paper"
	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
	"github.com/ducminhle1904/crypto-signal-trader/internal/journal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/logger"
	"github.com/ducminhle1904/crypto-signal-trader/internal/monitoring"
	"github.com/ducminhle1904/crypto-signal-trader/internal/session"
	"github.com/ducminhle1904/crypto-signal-trader/internal/state"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Session configuration file (e.g., btc_paper.json)")
		envFile     = flag.String("env", ".env", "Environment file path")
		paperMode   = flag.Bool("paper", false, "Force paper execution regardless of config")
		metricsAddr = flag.String("metrics", ":9090", "Prometheus metrics listen address (empty to disable)")
		exportPath  = flag.String("export", "", "Write the session's trade history to this xlsx file on shutdown")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Please specify a config file with -config flag")
	}
	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: could not load env file (%v), relying on process environment", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *paperMode {
		cfg.Mode = "paper"
		cfg.Broker.Exchange = "paper"
	}

	fmt.Printf("🚀 Signal trader starting (session %s, mode %s)\n", cfg.SessionID, cfg.Mode)

	gateway, err := buildGateway(cfg)
	if err != nil {
		log.Fatalf("Failed to create broker gateway: %v", err)
	}

	sessionLog, err := logger.NewWithDebug(cfg.SessionID, *debug)
	if err != nil {
		log.Fatalf("Failed to open session log: %v", err)
	}
	defer sessionLog.Close()
	fmt.Printf("📝 Session log: %s\n", sessionLog.GetLogPath())

	store, err := journal.OpenSQLite(cfg.Journal.Path)
	if err != nil {
		log.Fatalf("Failed to open trade journal: %v", err)
	}
	jnl := journal.New(store)
	defer jnl.Close()

	stateStore, err := state.NewFileStore(cfg.State.Dir)
	if err != nil {
		log.Fatalf("Failed to prepare state directory: %v", err)
	}

	sess, err := session.New(session.Options{
		Config:  *cfg,
		Logger:  sessionLog,
		Gateway: gateway,
		Journal: jnl,
		Store:   stateStore,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	trades, unsubscribe := jnl.Subscribe()
	defer unsubscribe()
	go echoTrades(trades)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		fmt.Printf("\n🛑 %s received, shutting down...\n", sig)
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Session stopped: %v", err)
		}
	}
	cancel()

	shutdown(sess, jnl, cfg.SessionID, *exportPath)
	fmt.Println("✅ Trader stopped")
}

func buildGateway(cfg *config.SessionConfig) (broker.Gateway, error) {
	switch cfg.Broker.Exchange {
	case "paper":
		gw := paper.NewGateway(
			paper.WithBalance("USDT", cfg.Risk.InitialBalance),
			paper.WithCommissionRate(cfg.Execution.CommissionRate),
		)
		return gw, nil
	case "bybit":
		// Credentials come from the environment only, never config files.
		brokerCfg := cfg.Broker
		brokerCfg.APIKey = os.Getenv("BROKER_API_KEY")
		brokerCfg.APISecret = os.Getenv("BROKER_API_SECRET")
		if brokerCfg.APIKey == "" || brokerCfg.APISecret == "" {
			return nil, fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET must be set for bybit mode")
		}
		return bybit.New(brokerCfg), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Broker.Exchange)
	}
}

// echoTrades mirrors journal entries to the console as they happen.
func echoTrades(trades <-chan journal.TradeRecord) {
	for rec := range trades {
		switch rec.Status {
		case journal.StatusExecuted:
			fmt.Printf("💹 %s %s %.6f @ $%.4f ($%.2f)\n",
				rec.Side, rec.Symbol, rec.Quantity, rec.Price, rec.Notional)
		case journal.StatusSkipped:
			fmt.Printf("⏭️  %s %s skipped: %s\n", rec.Side, rec.Symbol, rec.Reason)
		case journal.StatusFailed:
			fmt.Printf("❌ %s %s failed: %s\n", rec.Side, rec.Symbol, rec.Reason)
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	fmt.Printf("📈 Metrics on http://localhost%s/metrics\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server stopped: %v", err)
	}
}

func shutdown(sess *session.Session, jnl *journal.Journal, sessionID, exportPath string) {
	if err := sess.Save(); err != nil {
		log.Printf("Failed to save session state: %v", err)
	}

	session.RenderSummary(os.Stdout, sess.GetPortfolioSummary(nil))

	if exportPath != "" {
		if err := journal.ExportXLSX(jnl, sessionID, exportPath); err != nil {
			log.Printf("Failed to export trade history: %v", err)
		} else {
			fmt.Printf("📊 Trade history exported to %s\n", exportPath)
		}
	}
}

func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err != nil {
		return fmt.Errorf("env file %s not found", envFile)
	}
	return godotenv.Load(envFile)
}
