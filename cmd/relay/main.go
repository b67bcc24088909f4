// Collaboration Relay Server
//
// A real-time relay for a web IDE's collaborative editing rooms.
// Clients connect over WebSockets, join a room, and exchange CRDT
// update frames that the server fans out to peers and mirrors into an
// in-memory document replica. All state is memory-only; a restart
// clears every room.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/relay/internal/config"
	"github.com/codecollab/relay/internal/docstate"
	"github.com/codecollab/relay/internal/lifecycle"
	"github.com/codecollab/relay/internal/metrics"
	"github.com/codecollab/relay/internal/quota"
	"github.com/codecollab/relay/internal/room"
	"github.com/codecollab/relay/internal/save"
	"github.com/codecollab/relay/internal/wsrelay"
)

func main() {
	addr := flag.String("addr", "", "Server address (overrides PORT)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics server address (overrides METRICS_PORT)")
	configFile := flag.String("config", "relay.yaml", "Optional YAML defaults file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	metricsListenAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	if *metricsAddr != "" {
		metricsListenAddr = *metricsAddr
	}

	docs := docstate.NewRegistry(logger)
	rooms := room.NewRegistry(docs, logger)
	quotaTable := quota.NewTable(cfg.MaxConnectionsPerIPPerRoom)
	throttle := quota.NewConnectThrottle(20, 40)

	ctrl := lifecycle.NewController(rooms, quotaTable, lifecycle.Config{
		GracePeriod:  cfg.GracePeriod(),
		PingInterval: cfg.PingInterval(),
	}, logger)
	ctrl.Start()

	handler := wsrelay.NewHandler(rooms, quotaTable, throttle, cfg.MaxClientsPerRoom, logger)

	var saveTrigger *save.Trigger
	if cfg.EnableCodeEditorFeatures {
		saveTrigger = save.NewTrigger(cfg.APIBaseURL, docs, logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if saveTrigger != nil {
		mux.HandleFunc("/admin/save/", adminSaveHandler(saveTrigger, logger))
	}

	server := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	metricsServer := &http.Server{
		Addr:    metricsListenAddr,
		Handler: metricsMux(rooms, ctrl),
	}

	go func() {
		logger.Info("metrics server starting", zap.String("addr", metricsListenAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		logger.Info("shutdown signal received")
		shutdown(server, metricsServer, ctrl, logger)
	}()

	logger.Info("relay server starting", zap.String("addr", listenAddr), zap.String("node_env", cfg.NodeEnv))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}

// shutdown runs the close sequence within spec.md §6's 10s deadline;
// a deadline miss exits 1 instead of blocking indefinitely.
func shutdown(server, metricsServer *http.Server, ctrl *lifecycle.Controller, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		metricsServer.Shutdown(ctx)
		closed := ctrl.Shutdown()
		logger.Info("shutdown complete", zap.Int("connections_closed", closed))
	}()

	select {
	case <-done:
		os.Exit(0)
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown deadline exceeded, force exiting")
		os.Exit(1)
	}
}

func metricsMux(rooms *room.Registry, ctrl *lifecycle.Controller) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		status := rooms.Status(ctrl.GracePeriodRoomCount())
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(metrics.Global.String(status)))
	})
	return mux
}

// adminSaveHandler exposes the Save Trigger as a callable HTTP
// endpoint, per spec.md §4.7's note that the core does not invoke it
// automatically — an external caller must wire it in.
func adminSaveHandler(trigger *save.Trigger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		roomID := r.URL.Path[len("/admin/save/"):]
		if err := trigger.Save(r.Context(), roomID); err != nil {
			logger.Warn("save trigger failed", zap.String("room_id", roomID), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func init() {
	fmt.Print(`
╔═══════════════════════════════════════════════════════╗
║         Collaboration Relay Server                     ║
║         Memory-only · room multiplexer                 ║
╚═══════════════════════════════════════════════════════╝
`)
}
