// Package main runs the real-time collaboration server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/propsync/backend/internal/auth"
	"github.com/propsync/backend/internal/config"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/service"
	"github.com/propsync/backend/internal/snapshot"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.Error("Failed to load configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))

	store, err := snapshot.Open(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open snapshot store", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := service.New(service.Options{
		Config:    cfg,
		Snapshots: store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Init(ctx)
	defer svc.Shutdown()

	decoder := auth.NewDecoder(cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"collab-server"}`))
	})
	mux.HandleFunc("/ws", handleWebSocket(svc, decoder))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		logging.Info("Collaboration server listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Server failed", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logging.Info("Shutdown signal received")
	case <-ctx.Done():
	}

	server.Shutdown(context.Background())
}
