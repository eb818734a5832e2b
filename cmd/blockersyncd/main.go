// Package main wires the blockersync core: local store, connectivity
// monitor, synchronizer, data facade and notification fan-out, with a
// health endpoint and a websocket bridge for dashboards.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/siteworks/blockersync/internal/config"
	"github.com/siteworks/blockersync/internal/connectivity"
	"github.com/siteworks/blockersync/internal/events"
	"github.com/siteworks/blockersync/internal/logging"
	"github.com/siteworks/blockersync/internal/models"
	"github.com/siteworks/blockersync/internal/notify"
	"github.com/siteworks/blockersync/internal/services"
	"github.com/siteworks/blockersync/internal/store"
	syncpkg "github.com/siteworks/blockersync/internal/sync"
)

func main() {
	logging.Init(os.Stdout, logging.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		logging.Error("invalid configuration", err, nil)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open local store", err, nil)
		os.Exit(1)
	}
	defer st.Close()
	st.SetQueueMaxRetries(cfg.SyncMaxRetries)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(nil)
	prober := connectivity.NewHTTPProber(cfg.HealthURL, cfg.FallbackProbeURL)
	monitor := connectivity.NewMonitor(bus, prober, connectivity.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SettleDelay:       cfg.SettleDelay,
		RetryFloor:        cfg.RetryFloor,
		RetryCap:          cfg.RetryCap,
	}, nil)

	remote := syncpkg.NewHTTPRemote(cfg.RemoteBaseURL)
	synchronizer := syncpkg.New(st, remote, bus, monitor, syncpkg.Config{
		ItemTimeout: cfg.SyncItemTimeout,
		DropPolicy:  syncpkg.DropPolicy(cfg.SyncDropPolicy),
	}, nil)

	monitor.OnReconnect(func() {
		if err := synchronizer.Run(context.Background()); err != nil {
			logging.Error("reconnect sync failed", err, nil)
		}
	})

	facade := services.New(st, synchronizer, monitor, bus, nil)
	notifier := notify.NewService(notify.NewStoreDirectory(st), nil)

	hub := NewWSHub(nil)
	defer hub.Stop()
	bridgeEvents(bus, notifier, hub)

	monitor.Start(ctx)
	defer monitor.Stop()

	if err := facade.EnsureBootstrapped(ctx); err != nil {
		// Bootstrap failure is not fatal; the app runs on whatever is
		// cached and retries on the next start.
		logging.Error("initial bootstrap failed", err, nil)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"blockersyncd"}`))
	})
	mux.Handle("/ws", hub)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: mux,
	}

	go func() {
		logging.Info("blockersyncd listening", map[string]any{"port": cfg.ServerPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("server failed", err, nil)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("shutdown failed", err, nil)
	}
	logging.Info("blockersyncd stopped", nil)
}

// bridgeEvents forwards bus events and notifications onto the websocket
// hub so dashboards see connection state, sync progress and fan-out
// notifications live.
func bridgeEvents(bus *events.Bus, notifier *notify.Service, hub *WSHub) {
	bus.Subscribe(events.ConnectionRestored, func(events.Event) {
		hub.Broadcast(WSConnectionRestored, nil)
	})
	bus.Subscribe(events.ConnectionLost, func(events.Event) {
		hub.Broadcast(WSConnectionLost, nil)
	})
	bus.Subscribe(events.SyncStart, func(events.Event) {
		hub.Broadcast(WSSyncStarted, nil)
	})
	bus.Subscribe(events.SyncProgressed, func(ev events.Event) {
		if p, ok := ev.Payload.(events.SyncProgress); ok {
			hub.Broadcast(WSSyncProgress, map[string]any{
				"processed": p.Processed,
				"total":     p.Total,
				"current":   p.Current,
			})
		}
	})
	bus.Subscribe(events.SyncCompleted, func(ev events.Event) {
		if c, ok := ev.Payload.(events.SyncComplete); ok {
			hub.Broadcast(WSSyncCompleted, map[string]any{
				"itemsProcessed": c.ItemsProcessed,
				"itemsFailed":    c.ItemsFailed,
				"timestamp":      c.Timestamp.Unix(),
			})
		}
	})
	bus.Subscribe(events.SyncErrored, func(ev events.Event) {
		data := map[string]any{}
		if e, ok := ev.Payload.(events.SyncError); ok && e.Err != nil {
			data["error"] = e.Err.Error()
		}
		hub.Broadcast(WSSyncFailed, data)
	})

	for _, channel := range []string{
		models.NotificationDrawingUpload,
		models.NotificationUserAdded,
		models.NotificationBlockerIssued,
	} {
		notifier.Subscribe(channel, func(n *models.Notification) {
			hub.Broadcast(WSNotification, map[string]any{
				"id":         n.ID,
				"type":       n.Type,
				"title":      n.Title,
				"message":    n.Message,
				"recipients": n.Recipients,
			})
		})
	}
}
