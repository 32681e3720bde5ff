// Command chanward runs the channel management bot: it wires the bus,
// store, and registry together, loads the configured plugins, and waits
// for a shutdown signal.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cmdean/chanward/internal/admin"
	"github.com/cmdean/chanward/internal/bus"
	"github.com/cmdean/chanward/internal/msglog"
	"github.com/cmdean/chanward/internal/registry"
	"github.com/cmdean/chanward/internal/spam"
	"github.com/cmdean/chanward/internal/store"
	"github.com/cmdean/chanward/internal/topic"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.json and plugin state")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	master, err := registry.LoadMaster(*configDir)
	if err != nil {
		logger.Fatal("master config unreadable", zap.Error(err))
	}

	dbPath := master.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(*configDir, "chanward.db")
	}
	st, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	transport := bus.New(logger)
	reg := registry.New(logger, transport, st, master)

	reg.RegisterFactory("admin", admin.New)
	reg.RegisterFactory("topic", topic.New)
	reg.RegisterFactory("msglog", msglog.New)
	reg.RegisterFactory("spam", spam.New)

	ctx := context.Background()
	if err := reg.LoadAll(ctx); err != nil {
		logger.Fatal("load plugins", zap.Error(err))
	}

	if addr := master.Metrics.Addr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", addr))
	}

	logger.Info("chanward running", zap.Strings("plugins", master.Core.Plugins))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	reg.UnloadAll()
}
