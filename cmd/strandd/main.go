package main

import (
	"context"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/strand"
	"github.com/seantiz/strand/internal/api"
	"github.com/seantiz/strand/internal/config"
	"github.com/seantiz/strand/internal/store"
	"github.com/seantiz/strand/internal/timerd"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("strandd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"queue", cfg.QueueName,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	queue := strand.NewAsyncQueue(strand.NewSerialExecutor(cfg.QueueName, logger), logger)
	eng := timerd.NewEngine(queue, db, logger)
	defer eng.Shutdown()

	if _, err := eng.Recover(context.Background()); err != nil {
		log.Fatalf("failed to recover timers: %v", err)
	}

	prometheus.MustRegister(timerd.NewQueueCollector(eng))

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
