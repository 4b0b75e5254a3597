package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/config"
	"escrowd/ledger"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/services/webhook"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("escrowd", cfg.Env)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrow.db"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	store, err := escrow.NewStore(db)
	if err != nil {
		log.Fatalf("open escrow store: %v", err)
	}
	book := ledger.NewBook(db)
	engine := escrow.NewEngine(store, book)
	engine.SetAdmin(cfg.Admin())
	if token := cfg.PrimaryToken(); token != (common.Address{}) {
		if err := engine.SetPrimaryToken(cfg.Admin(), token); err != nil {
			log.Fatalf("configure primary token: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := webhook.NewSink(cfg.Webhook.URL, cfg.Webhook.Secret, logger)
	engine.SetEmitter(sink)
	go sink.Run(ctx)

	server := rpc.NewServer(engine, book, cfg.RPCToken, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("escrowd listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
