// Command milapd runs the milap sync daemon: the shared realtime store, the
// engine services on top of it, and the HTTP/SSE/websocket gateway.
//
// Configuration comes from environment variables (optionally a .env file in
// development); see internal/config for the full list. The store backend is
// selected by STORE_BACKEND: an in-memory store for tests and toys, a Pebble
// key-value store for the default single-node deployment, or SQLite when an
// inspectable database file is preferable.
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
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sidopolis/milap/internal/config"
	httpapi "github.com/Sidopolis/milap/internal/http"
	"github.com/Sidopolis/milap/internal/identity"
	"github.com/Sidopolis/milap/internal/observability"
	"github.com/Sidopolis/milap/internal/services"
	"github.com/Sidopolis/milap/internal/store"
	"github.com/Sidopolis/milap/internal/store/memory"
	"github.com/Sidopolis/milap/internal/store/pebbledb"
	"github.com/Sidopolis/milap/internal/store/sqlitekv"
	"github.com/Sidopolis/milap/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// The node's own identity token, persisted across restarts. It tags this
	// instance in logs and is minted exactly the way client tokens are.
	idp := identity.Provider{Path: cfg.IdentityFile}
	nodeID, ephemeral := idp.GetOrCreate()
	log.Info().
		Str("version", version).
		Str("node_id", nodeID).
		Bool("ephemeral_identity", ephemeral).
		Str("store_backend", cfg.StoreBackend).
		Msg("starting milapd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("opentelemetry setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("opentelemetry shutdown failed")
		}
	}()

	// Store
	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store open failed")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	// Presence reaper: expire entries orphaned by clients that vanished
	// without leaving. Rooms are discovered from the default room plus any
	// room that currently holds presence state.
	go runReaper(ctx, st, cfg)

	// HTTP gateway
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, st, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// WriteTimeout stays 0: SSE and websocket connections are long-lived
		// and would be severed by a global write deadline.
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
}

// openStore builds the Store selected by configuration.
func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewDepot(memory.New()), nil
	case "pebble":
		kv, err := pebbledb.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return store.NewDepot(kv), nil
	case "sqlite":
		kv, err := sqlitekv.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return store.NewDepot(kv), nil
	default:
		return nil, errors.New("unknown store backend " + cfg.StoreBackend)
	}
}

// runReaper sweeps presence entries whose heartbeat went stale. The default
// room is always swept; other rooms would be registered here if the gateway
// grows multi-room discovery.
func runReaper(ctx context.Context, st store.Store, cfg config.Config) {
	presence := services.NewPresenceService(st)
	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, cfg.ReapInterval)
			removed, err := presence.Reap(sctx, cfg.DefaultRoom, cfg.PresenceTTL)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("room", cfg.DefaultRoom).Msg("presence reap failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Str("room", cfg.DefaultRoom).Msg("reaped stale presence")
			}
		}
	}
}
