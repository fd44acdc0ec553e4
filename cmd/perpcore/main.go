package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/book"
	"github.com/openclob/perpcore/internal/config"
	"github.com/openclob/perpcore/internal/events"
	"github.com/openclob/perpcore/internal/margin"
	"github.com/openclob/perpcore/internal/match"
	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/internal/oracle"
	"github.com/openclob/perpcore/internal/orderstore"
	"github.com/openclob/perpcore/internal/signer"
	"github.com/openclob/perpcore/pkg/fixedpoint"
	"github.com/openclob/perpcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	model.SetDomain(cfg.ChainID, cfg.VerifyingContract)

	marginParams, err := cfg.MarginParams()
	if err != nil {
		return err
	}

	ora := oracle.NewAdapter(log)
	for _, mc := range cfg.Markets {
		params, err := mc.MarketParams()
		if err != nil {
			return fmt.Errorf("market %d: %w", mc.Index, err)
		}
		ora.RegisterMarket(mc.Index, params)
	}

	ledger := margin.NewLedger(log, ora, marginParams)
	store := orderstore.New(log)
	resolver := match.NewResolver(log, ora, store, ledger)
	signers := signer.NewRegistry(log)
	bus := events.NewBus(log)
	core := book.NewCore(log, ora, ledger, store, resolver, signers, bus, cfg.IOCExpirationCap)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/order/", func(w http.ResponseWriter, r *http.Request) {
		hex := r.URL.Path[len("/order/"):]
		rec := core.OrderStatus(common.HexToHash(hex))
		fmt.Fprintf(w, "{\"status\":%q,\"blockPlaced\":%d,\"filledAmount\":%q,\"reservedMargin\":%q}\n",
			rec.Status.String(), rec.BlockPlaced,
			fixedpoint.Format18(rec.FilledAmount), fixedpoint.Format6(rec.ReservedMargin))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	log.Info("perpcore started",
		zap.Int64("chain_id", cfg.ChainID),
		zap.Int("markets", len(cfg.Markets)),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	return srv.Close()
}
