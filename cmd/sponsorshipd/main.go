package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/config"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/handler"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/lot"
	"github.com/kubomarket/sponsorship-ledger/internal/merchant"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/ratelimit"
	"github.com/kubomarket/sponsorship-ledger/internal/seed"
	"github.com/kubomarket/sponsorship-ledger/internal/sponsorship"
	"github.com/kubomarket/sponsorship-ledger/internal/store/pebblestore"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

// env bundles every wired service; both the "serve" and "seed" subcommands
// build one from the same config so they operate on identical semantics.
type env struct {
	store        *pebblestore.Store
	deposits     *deposit.Service
	sponsorships *sponsorship.Service
	transactions *transaction.Engine
	aggregates   *aggregate.Store
	ledger       *ledger.Ledger
	lots         *lot.Store
	merchants    *merchant.Registry
	metrics      *monitor.Metrics
	limiter      *ratelimit.Limiter
	cfg          config.Config
}

func buildEnv(cfg config.Config) (*env, error) {
	st, err := pebblestore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clk := clock.Real{}
	lg := ledger.New(st, clk)
	agg := aggregate.New(st)
	lots := lot.New(st, clk)
	idempo := idempotency.New(st, clk, cfg.IdempotencyTTL())
	deposits := deposit.New(st, lg, agg, idempo, clk)
	merchants := merchant.New(st)
	sponsorships := sponsorship.New(st, lg, agg, lots, deposits, idempo, clk)
	transactions := transaction.New(st, lg, agg, lots, merchants, idempo, clk, cfg.RefundRestoresBudget)
	metrics := monitor.NewMetrics()
	limiter := ratelimit.New(cfg.RateLimitEvents, cfg.RateLimitWindow)

	return &env{
		store:        st,
		deposits:     deposits,
		sponsorships: sponsorships,
		transactions: transactions,
		aggregates:   agg,
		ledger:       lg,
		lots:         lots,
		merchants:    merchants,
		metrics:      metrics,
		limiter:      limiter,
		cfg:          cfg,
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:   "sponsorshipd",
		Short: "Sponsorship ledger and budget engine",
	}
	root.AddCommand(serveCmd(), seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			e, err := buildEnv(cfg)
			if err != nil {
				return err
			}
			defer e.store.Close()
			return runServer(e)
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Populate the store with demo sponsors, students, and transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			e, err := buildEnv(cfg)
			if err != nil {
				return err
			}
			defer e.store.Close()

			summary, err := seed.Run(context.Background(), &seed.Env{
				Deposits:     e.deposits,
				Sponsorships: e.sponsorships,
				Transactions: e.transactions,
				Aggregates:   e.aggregates,
			})
			if err != nil {
				return err
			}
			log.Printf("seed complete: %+v", summary)
			return nil
		},
	}
}

func runServer(e *env) error {
	healthHandler := handler.NewHealthHandler(e.store, e.metrics)

	rt := &handler.Router{
		Sponsors:  handler.NewSponsorHandler(e.deposits, e.sponsorships, e.aggregates, e.ledger, e.metrics),
		Students:  handler.NewStudentHandler(e.transactions, e.aggregates, e.metrics),
		Admin:     handler.NewAdminHandler(e.deposits, e.metrics),
		Merchants: handler.NewMerchantHandler(e.transactions, e.metrics),
		Health:    healthHandler,
		Limiter:   e.limiter,
		Metrics:   e.metrics,
		Clock:     clock.Real{},
		BasePath:  e.cfg.APIBasePath,
	}

	srv := &http.Server{
		Addr:         ":" + e.cfg.Port,
		Handler:      rt.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Printf("sponsorship ledger listening on :%s (base path %q)", e.cfg.Port, e.cfg.APIBasePath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Println("server stopped")
	return nil
}
