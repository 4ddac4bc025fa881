package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/satindergrewal/gary/internal/api"
	"github.com/satindergrewal/gary/internal/audio"
	"github.com/satindergrewal/gary/internal/config"
	"github.com/satindergrewal/gary/internal/metrics"
	"github.com/satindergrewal/gary/internal/orchestrator"
	"github.com/satindergrewal/gary/internal/results"
	"github.com/satindergrewal/gary/internal/session"
	"github.com/satindergrewal/gary/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("gary starting up...")

	settings, err := config.OpenSettings(cfg.SettingsFile)
	if err != nil {
		log.Fatalf("Settings error: %v", err)
	}
	settings.OnChange(func(s config.Settings) {
		log.Printf("Settings changed: model=%s prompt_duration=%d", s.ModelName, s.PromptDuration)
	})
	settings.Watch()

	store, err := results.Open(cfg.ResultsDir, cfg.CatalogPath)
	if err != nil {
		log.Fatalf("Results store error: %v", err)
	}
	defer store.Close()

	m := metrics.NewMetrics()

	// Processing service connection and the operation state machine
	conn := session.New(session.Config{
		URL:              cfg.ServiceURL,
		Path:             cfg.SocketPath,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectDelay:   cfg.ReconnectDelay,
	})
	orch := orchestrator.New(conn, store, orchestrator.Config{
		PadSeconds:       cfg.PadSeconds,
		OperationTimeout: cfg.OperationTimeout,
	})
	orch.SetObserver(m)
	defer orch.Close()
	go orch.Run(ctx)

	if err := orch.Connect(ctx); err != nil {
		if cfg.ReconnectDelay > 0 {
			log.Printf("Service not reachable yet, retrying in background: %v", err)
		} else {
			log.Printf("Service not reachable (POST /api/connect to retry): %v", err)
		}
	}

	// Preview: every new result preempts the current one with a crossfade
	player := audio.NewPlayer(cfg.CrossfadeDuration)
	go player.Run(ctx)

	broadcaster := stream.NewBroadcaster(m.SetPreviewListeners)
	go broadcaster.Run(ctx, player.Frames())

	go preview(ctx, orch, player)

	webrtcHandler := stream.NewWebRTCHandler(broadcaster)
	defer webrtcHandler.Close()

	srv := api.New(api.Deps{
		Orchestrator: orch,
		Results:      store,
		Settings:     settings,
		Player:       player,
		Listeners:    broadcaster.Count,
		Metrics:      m,
	})
	srv.Handle("/stream", stream.NewHTTPHandler(broadcaster))
	srv.Handle("/offer", webrtcHandler)
	srv.Handle("/metrics", m.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: srv}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	log.Printf("gary live on %s (service %s)", addr, cfg.ServiceURL)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}

// preview queues every generated result on the player. Crops are already
// playing.
func preview(ctx context.Context, orch *orchestrator.Orchestrator, player *audio.Player) {
	notes, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.Result == nil || n.Result.Kind == results.KindCropped {
				continue
			}
			if n.Type != orchestrator.NoteCompleted && n.Type != orchestrator.NoteResult {
				continue
			}
			player.Enqueue(audio.Track{
				ID:   strconv.FormatInt(n.Result.ID, 10),
				Path: n.Result.Path,
				Name: n.Result.Name,
			})
		}
	}
}
