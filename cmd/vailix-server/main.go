// Command vailix-server runs the ingest/serve engine (§4.7) as a
// standalone HTTP process, configured entirely from the environment.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/vailix-dev/vailix/server"
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	logger.New(envOr("LOG_LEVEL", "INFO"))
	log := logger.Sugar.WithServiceName("vailix-server")

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Errorf("MONGODB_URI is required")
		os.Exit(1)
	}
	secret := os.Getenv("APP_SECRET")
	if secret == "" {
		log.Errorf("APP_SECRET is required")
		os.Exit(1)
	}

	cfg := server.Config{
		MongoURI:      mongoURI,
		Secret:        secret,
		RetentionDays: envIntOr("VAILIX_RETENTION_DAYS", 14),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storage, err := server.NewStorage(ctx, cfg.MongoURI, time.Duration(cfg.RetentionDays)*24*time.Hour)
	if err != nil {
		log.Errorf("connecting to storage: %v", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%s", envOr("HOST", ""), envOr("PORT", "8443"))
	srv := server.New(addr, storage, cfg, log)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("server stopped: %v", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("vailix-server: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
