package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memo-relay/pkg/api"
	"memo-relay/pkg/config"
	"memo-relay/pkg/coordinator"
	"memo-relay/pkg/merge"
	"memo-relay/pkg/notify"
	"memo-relay/pkg/storage"
	"memo-relay/pkg/transcribe"

	"github.com/gorilla/mux"
)

func main() {
	cfg := config.Load()

	store, err := storage.NewStore(cfg.StoragePath)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	engine := merge.NewEngine(cfg.Merge, store.RecordingsDir())

	var transcriber transcribe.Transcriber
	if cfg.Transcribe.APIKey != "" {
		transcriber = transcribe.NewWhisperClient(cfg.Transcribe)
	} else {
		log.Println("Transcription disabled: no OPENAI_API_KEY configured")
	}

	var notifier notify.Notifier
	if cfg.Notify.URL != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notify)
	} else {
		log.Println("Delivery disabled: no RELAY_NOTIFY_URL configured")
	}

	coord := coordinator.New(store, store, engine, transcriber, notifier)

	hub := api.NewHub()
	handlers := api.NewHandlers(coord, store, store, hub, cfg.MaxFragmentBytes)

	router := mux.NewRouter()
	router.HandleFunc("/fragments", handlers.UploadFragmentHandler).Methods("POST")
	router.HandleFunc("/recordings/finalize", handlers.FinalizeHandler).Methods("POST")
	router.HandleFunc("/recordings", handlers.ListRecordingsHandler).Methods("GET")
	router.HandleFunc("/recordings/{id}", handlers.GetRecordingHandler).Methods("GET")
	router.HandleFunc("/recordings/{id}", handlers.DeleteRecordingHandler).Methods("DELETE")
	router.HandleFunc("/recordings/{id}/audio", handlers.RecordingAudioHandler).Methods("GET")
	router.HandleFunc("/sessions/{session_id}/fragments", handlers.SessionFragmentsHandler).Methods("GET")
	router.HandleFunc("/health", handlers.HealthHandler).Methods("GET")
	router.HandleFunc("/ws", handlers.WebSocketHandler)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server starting on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
