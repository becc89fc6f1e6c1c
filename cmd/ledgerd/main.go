package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corebank.org/internal/accrual"
	"corebank.org/internal/audit"
	"corebank.org/internal/config"
	"corebank.org/internal/events"
	"corebank.org/internal/ledger"
	"corebank.org/internal/obs"
	"corebank.org/internal/ops"
	"corebank.org/internal/store/pg"
	"corebank.org/internal/store/redisidem"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		accounts ledger.AccountStore
		txlog    ledger.TransactionLog
		idem     ledger.IdempotencyStore
		source   accrual.AccountSource
		probe    ops.ReadyProbe
	)

	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer store.Close()
		accounts, txlog, idem, source = store, store, store, store
		probe.DB = store.DB()
	} else {
		mem := ledger.NewMemoryAccountStore()
		accounts, source = mem, mem
		txlog = ledger.NewMemoryTransactionLog()
		idem = ledger.NewMemoryIdempotencyStore(nil)
		log.Println("no COREBANK_PG_DSN set, using in-memory stores")
	}

	if cfg.RedisURL != "" {
		rstore, err := redisidem.Open(cfg.RedisURL)
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		defer rstore.Close()
		idem = rstore
		probe.Pinger = rstore
	}

	broadcaster := events.NewBroadcaster()
	proc := ledger.NewProcessor(accounts, txlog, idem,
		ledger.WithAudit(audit.NewRecorder()),
		ledger.WithBroadcaster(broadcaster),
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseBackoff: cfg.RetryBaseBackoff,
			MaxBackoff:  cfg.RetryMaxBackoff,
		}),
		ledger.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)

	rootCtx, stopAll := context.WithCancel(context.Background())
	defer stopAll()

	// Log transfer activity from the event fan-out.
	go func() {
		for evt := range broadcaster.Subscribe(rootCtx) {
			obs.LogEvent(map[string]any{
				"ts":             evt.Timestamp.Format(time.RFC3339Nano),
				"msg":            evt.Type,
				"transaction_id": evt.TransactionID,
				"currency":       evt.Currency,
				"amount":         evt.Amount,
			})
		}
	}()

	// Interest accrual scheduler: one cycle per configured interval, period
	// labelled by UTC date so reruns within a day are no-ops.
	if cfg.AccrualExpenseAccount != "" {
		svc := accrual.New(proc, source, cfg.AccrualExpenseAccount,
			cfg.AccrualPeriodFraction, cfg.AccrualRatePerSecond)
		go func() {
			ticker := time.NewTicker(cfg.AccrualInterval)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					period := time.Now().UTC().Format("2006-01-02")
					rep, err := svc.RunAccrualCycle(rootCtx, period)
					if err != nil {
						log.Printf("accrual cycle %s: %v", period, err)
						continue
					}
					log.Printf("accrual cycle %s: accounts=%d posted=%d skipped=%d failed=%d",
						period, rep.Accounts, rep.Posted, rep.Skipped, rep.Failed)
				}
			}
		}()
	} else {
		log.Println("COREBANK_ACCRUAL_EXPENSE_ACCOUNT not set, accrual scheduler disabled")
	}

	api := ops.New(probe, version, proc)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSecond)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting corebank-ledger %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopAll()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
