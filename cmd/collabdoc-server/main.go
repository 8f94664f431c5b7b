// Command collabdoc-server boots one instance of the collaborative document
// server: wires config, logging, auth, cache, bus, registry, memory manager,
// HTTP control surface, and the WebSocket endpoint together, then serves
// until signaled to stop. Grounded on the teacher stack's cmd/main.go
// (env-driven config, gin.New() plus middleware, signal-based graceful
// shutdown with reverse-order resource cleanup).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Polqt/collabdoc-server/internal/auth"
	"github.com/Polqt/collabdoc-server/internal/bus"
	"github.com/Polqt/collabdoc-server/internal/cache"
	"github.com/Polqt/collabdoc-server/internal/config"
	"github.com/Polqt/collabdoc-server/internal/crdt"
	"github.com/Polqt/collabdoc-server/internal/document"
	"github.com/Polqt/collabdoc-server/internal/httpapi"
	"github.com/Polqt/collabdoc-server/internal/logging"
	"github.com/Polqt/collabdoc-server/internal/memory"
	"github.com/Polqt/collabdoc-server/internal/registry"
	"github.com/Polqt/collabdoc-server/internal/sessionstore"
	"github.com/Polqt/collabdoc-server/internal/ws"
)

func main() {
	cfg := config.Load()
	logging.Initialize("collabdoc-server", cfg.LogLevel, cfg.LogPretty)
	log := logging.Log

	natsClient, err := bus.Dial(cfg.NATSURL, logging.Component("bus"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to bus")
	}
	natsClient.OnConnectionChange(func(up bool) {
		if up {
			log.Info().Msg("bus connection established")
		} else {
			log.Warn().Msg("bus connection lost, reconnecting")
		}
	})

	cacheClient, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to cache")
	}

	jwtManager := auth.NewJWTManager(auth.Config{
		SecretKey: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
	})
	sessions := sessionstore.New(cacheClient)

	docCfg := document.Config{
		Delay:              cfg.DebounceDelay,
		MaxDelay:           cfg.DebounceMaxDelay,
		InstanceTag:        cfg.NATSInstanceTag,
		HistoryLimit:       cfg.MemoryHistoryLimit,
		PropagateAwareness: cfg.PropagateAwareness,
	}

	factory := func(_ context.Context, name string) (registry.Document, error) {
		replica := crdt.NewReplica(uuid.NewString())
		awareness := crdt.NewAwareness()
		return document.New(name, replica, awareness, natsClient, docCfg, logging.Component("document")), nil
	}
	reg := registry.New(factory, cfg.IdleEvictTTL, logging.Component("registry"))

	memManager := memory.New(reg, memory.Config{
		SampleInterval:    cfg.MemorySampleInterval,
		GCThreshold:       cfg.MemoryGCThreshold,
		DocumentCacheSize: cfg.MemoryDocumentCacheSize,
		HistoryLimit:      cfg.MemoryHistoryLimit,
		InstanceTag:       cfg.NATSInstanceTag,
	}, cacheClient, logging.Component("memory"))

	memCtx, memCancel := context.WithCancel(context.Background())
	go memManager.Run(memCtx)

	wsHandler := ws.New(jwtManager, sessions, reg, ws.Config{
		IdleTimeout:       cfg.WSIdleTimeout,
		HandshakeTimeout:  cfg.WSHandshakeTimeout,
		OutboundQueueSize: cfg.WSOutboundQueueSize,
	}, logging.Component("ws"))

	router := gin.New()
	router.Use(gin.Recovery())

	admin := httpapi.New(natsClient, reg, memManager, sessions, logging.Component("httpapi"))
	admin.Register(router)
	router.NoRoute(wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("collabdoc-server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to serve")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shutdown")
	}

	memCancel()
	memManager.Stop()

	if err := natsClient.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing bus client")
	}
	if err := cacheClient.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing cache client")
	}

	log.Info().Msg("shutdown complete")
}
