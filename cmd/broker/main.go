package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/peerjs-broker/broker/internals/broker"
	"github.com/peerjs-broker/broker/internals/config"
	"github.com/peerjs-broker/broker/internals/utils"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	logger := utils.GetLogger()
	logger.Info("starting peerjs-compatible signaling broker")

	b := broker.New(cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := b.Start(); err != nil {
			logger.Fatal("broker stopped unexpectedly", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("received shutdown signal")

	b.Stop()
	logger.Info("broker stopped")
}
