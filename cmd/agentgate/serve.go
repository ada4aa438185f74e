package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/backend"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/httpserver"
	ledgersql "github.com/agentgate/agentgate/internal/ledger/sqlite"
	"github.com/agentgate/agentgate/internal/logging"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/modelmeta"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.LoadGatewayConfig(configRoot)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging when log_file is configured; mirror to stdout
	// for foreground runs.
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[agentgate] ")
		defer rot.Close()
	}

	logger := log.New(log.Writer(), "[agentgate/http] ", log.LstdFlags|log.Lmicroseconds)

	catalog := modelmeta.NewCatalog()
	if cfg.ModelCatalogFile != "" {
		n, err := catalog.LoadFile(cfg.ModelCatalogFile)
		if err != nil {
			log.Fatalf("load model catalog: %v", err)
		}
		log.Printf("model catalog loaded file=%s models=%d", cfg.ModelCatalogFile, n)
	}

	sessions := session.NewStore(cfg.SessionTTL, cfg.SessionMaxCount)

	resolver := auth.NewResolver(auth.Options{
		CLIPath:    cfg.BackendCLIPath,
		UseBedrock: cfg.UseBedrock,
		UseVertex:  cfg.UseVertex,
	})
	status := resolver.Detect(context.Background())
	log.Printf("credential resolution method=%s valid=%v", status.Method, status.Valid)
	if !status.Valid {
		for _, e := range status.Errors {
			log.Printf("credential resolution: %s", e)
		}
		log.Printf("no usable credentials; chat requests will return 503 until resolved")
	}

	runner := backend.NewCLIRunner(cfg.BackendCLIPath, logger)

	ledgerStore, err := ledgersql.New(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("open usage ledger: %v", err)
	}
	defer ledgerStore.Close()

	collector := metrics.NewCollector(sessions.Len)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitPerMin,
			BurstSize:         cfg.RateLimitBurst,
		})
		defer limiter.Close()
		log.Printf("rate limiting enabled per_min=%d burst=%d", cfg.RateLimitPerMin, cfg.RateLimitBurst)
	}

	// Periodic session sweep.
	sweeper := cron.New()
	if cfg.SessionSweepEvery > 0 {
		_, err := sweeper.AddFunc("@every "+cfg.SessionSweepEvery.String(), func() {
			if removed := sessions.Sweep(); removed > 0 {
				log.Printf("session sweep removed=%d remaining=%d", removed, sessions.Len())
			}
		})
		if err != nil {
			log.Fatalf("schedule session sweep: %v", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	httpSrv := httpserver.New(httpserver.Deps{
		Config:   cfg,
		Runner:   runner,
		Sessions: sessions,
		Resolver: resolver,
		Catalog:  catalog,
		Ledger:   ledgerStore,
		Metrics:  collector,
		Limiter:  limiter,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the whole
		// generation; the stream pipeline enforces its own deadline.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("agentgate %s listening on %s", version.Info(), cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}
