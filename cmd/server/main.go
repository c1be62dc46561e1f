package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yosyus-Yo/Realtutor/internal/config"
	"github.com/yosyus-Yo/Realtutor/internal/httpserver"
	"github.com/yosyus-Yo/Realtutor/internal/observability"
	"github.com/yosyus-Yo/Realtutor/internal/offline"
	"github.com/yosyus-Yo/Realtutor/internal/recognizer"
	"github.com/yosyus-Yo/Realtutor/internal/rtc"
	"github.com/yosyus-Yo/Realtutor/internal/session"
	"github.com/yosyus-Yo/Realtutor/internal/store"
	"github.com/yosyus-Yo/Realtutor/internal/synth"
	"github.com/yosyus-Yo/Realtutor/internal/tutor"
)

// drainInterval is how often the offline queue retries reaching the store.
const drainInterval = 30 * time.Second

func main() {
	log := observability.Logger()
	cfg := config.Load()
	ctx := context.Background()

	// Persistence: Firestore when configured, in-memory otherwise.
	var (
		st       session.Store
		appender offline.MessageAppender
	)
	switch cfg.StorageBackend {
	case "firestore":
		fs, err := store.NewFirestoreStore(ctx, cfg.GCPProjectID)
		if err != nil {
			log.Error("firestore init failed, falling back to memory store", "error", err)
			mem := store.NewMemoryStore()
			st, appender = mem, mem
		} else {
			defer func() { _ = fs.Close() }()
			st, appender = fs, fs
		}
	default:
		mem := store.NewMemoryStore()
		st, appender = mem, mem
	}

	queue := offline.NewQueue(&offline.StoreApplier{Store: st, Appender: appender}, log).
		WithMaxRetries(cfg.OfflineMaxRetries)

	// Tutor engine.
	var engine tutor.Engine
	if cfg.UseMockTutor {
		engine = tutor.NewMockEngine()
		log.Info("using mock tutor engine")
	} else {
		ge, err := tutor.NewGeminiEngine(ctx, tutor.GeminiOptions{
			APIKey:    cfg.GeminiAPIKey,
			Project:   cfg.GCPProjectID,
			Location:  cfg.GCPLocation,
			Model:     cfg.ModelName,
			MaxTokens: cfg.MaxReplyTokens,
		})
		if err != nil {
			log.Error("gemini init failed, using mock tutor", "error", err)
			engine = tutor.NewMockEngine()
		} else {
			engine = ge
		}
	}

	// Speech synthesis: Deepgram preferred, ElevenLabs fallback.
	var streamer synth.Streamer
	if cfg.DeepgramKey != "" {
		streamer = synth.NewDeepgramStreamer(cfg.DeepgramKey, cfg.DeepgramModel, log)
	} else {
		streamer = synth.NewElevenLabsStreamer(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, cfg.SpeechRate)
	}

	// Frame archive is optional.
	var frames session.FrameArchive
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		frames = store.NewSupabaseFrameArchive(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	}

	newEngine := func() recognizer.Engine {
		return recognizer.NewAssemblyAIEngine(cfg.AssemblyAIKey, cfg.Locale, log)
	}

	h := rtc.NewHandler(rtc.Deps{
		Tutor:       engine,
		Store:       st,
		Queue:       queue,
		Frames:      frames,
		Streamer:    streamer,
		NewEngine:   newEngine,
		FramePeriod: cfg.FrameSamplePeriod,
	}, cfg.ICEServersJSON, cfg.AuthPassword, log)

	srv := httpserver.New(h, st, cfg.AuthPassword)

	// Replay deferred writes whenever the store is reachable again.
	drainCtx, cancelDrain := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-drainCtx.Done():
				return
			case <-ticker.C:
				if queue.Pending() == 0 {
					continue
				}
				if err := queue.Drain(drainCtx); err != nil {
					log.Warn("offline drain incomplete", "error", err, "pending", queue.Pending())
				}
			}
		}
	}()

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "address", cfg.HTTPAddress)
		serverErrors <- srv.Start(cfg.HTTPAddress)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	cancelDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	// One last attempt to flush deferred writes.
	if queue.Pending() > 0 {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		_ = queue.Drain(flushCtx)
	}
}
