// Command cumments runs the comment service: it serves the public
// HTTP API, talks to a Matrix homeserver either as a long-polling bot
// or as a registered application service, and projects the resulting
// event stream into the local view store.
//
// Grounded on the pack's bdobrica-Ruriko gitai agent (internal/app.go
// App.Run/Stop): context.WithCancel plus an os/signal channel for
// graceful shutdown, subsystems started before the signal wait and
// torn down after it.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/Curious-r/cumments/internal/config"
	"github.com/Curious-r/cumments/internal/httpapi"
	"github.com/Curious-r/cumments/internal/logging"
	"github.com/Curious-r/cumments/internal/matrix"
	"github.com/Curious-r/cumments/internal/pipeline"
	"github.com/Curious-r/cumments/internal/pow"
	"github.com/Curious-r/cumments/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCode, exitCodeFor implement spec.md §6's "0 graceful, 1
// config/init failure, 2 migration failure, 3 fatal adapter failure".
type exitCode int

const (
	exitConfig    exitCode = 1
	exitMigration exitCode = 2
	exitAdapter   exitCode = 3
)

type startupError struct {
	code exitCode
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var se *startupError
	if as, ok := err.(*startupError); ok {
		se = as
		return int(se.code)
	}
	return 1
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return &startupError{code: exitConfig, err: err}
	}

	log, err := logging.New(logging.Config{FilePath: cfg.LogFilePath, Level: cfg.LogLevel})
	if err != nil {
		return &startupError{code: exitConfig, err: err}
	}
	logAdapter := logging.NewAdapter(log)

	dsn := storeDSN(cfg.DatabaseURL)
	rooms, err := store.Open(dsn, logAdapter)
	if err != nil {
		return &startupError{code: exitMigration, err: err}
	}
	defer rooms.Close()

	gate, err := pow.New(0, cfg.SecurityPowTTL, cfg.SecurityPowDifficulty)
	if err != nil {
		return &startupError{code: exitConfig, err: err}
	}

	discovery := matrix.NewServerDiscovery(logAdapter)
	serverName, err := discovery.DiscoverServerName(cfg.MatrixHomeserverURL, cfg.MatrixServerName)
	if err != nil {
		return &startupError{code: exitConfig, err: err}
	}

	hub := pipeline.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, appsvc, err := buildAdapter(cfg, serverName, rooms, logAdapter)
	if err != nil {
		return &startupError{code: exitAdapter, err: err}
	}
	defer adapter.Close()

	pl := pipeline.New(gate, adapter, rooms, cfg.SecurityGlobalSalt)
	server := httpapi.NewServer(pl, rooms, hub, gate, cfg.ServerCORSOrigins, logAdapter)
	router := server.Router()

	// MATRIX__LISTEN_PORT lets the appservice transaction endpoint bind
	// to a port of its own; when it matches SERVER__PORT (the default),
	// the routes are simply mounted on the one public router instead.
	var appsvcServer *http.Server
	if appsvc != nil {
		if cfg.MatrixListenPort == cfg.ServerPort {
			server.MountAppService(router, appsvc)
		} else {
			appsvcRouter := mux.NewRouter()
			appsvc.RegisterRoutes(appsvcRouter)
			appsvcServer = &http.Server{
				Addr:    cfg.ServerHost + ":" + strconv.Itoa(cfg.MatrixListenPort),
				Handler: appsvcRouter,
			}
		}
	}

	go pipeline.RunProjector(ctx, rooms, adapter.Stream(), hub, logAdapter)
	if botAdapter, ok := adapter.(*matrix.BotAdapter); ok {
		go botAdapter.Run(ctx)
	}

	addr := cfg.ServerHost + ":" + strconv.Itoa(cfg.ServerPort)
	httpServer := &http.Server{Addr: addr, Handler: router}

	serveErrs := make(chan error, 1)
	go func() {
		logAdapter.LogInfo("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()
	if appsvcServer != nil {
		go func() {
			logAdapter.LogInfo("listening for appservice transactions", "addr", appsvcServer.Addr)
			if err := appsvcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErrs <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logAdapter.LogInfo("received shutdown signal")
	case err := <-serveErrs:
		return &startupError{code: exitAdapter, err: err}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildAdapter constructs the bot or appservice Matrix adapter per
// cfg.MatrixMode. The second return value is non-nil only in
// appservice mode, where the caller must also serve its transaction
// routes, on the public router or on a listener of their own.
func buildAdapter(cfg config.Config, serverName string, rooms store.Store, log matrix.Logger) (matrix.Adapter, *matrix.AppServiceAdapter, error) {
	rateLimits := matrix.DefaultRateLimitConfig()

	switch cfg.MatrixMode {
	case config.ModeBot:
		client := matrix.NewClient(cfg.MatrixHomeserverURL, cfg.MatrixToken, serverName, log, rateLimits)
		adapter := matrix.NewBotAdapter(client, serverName, cfg.MatrixUser, rooms)
		return adapter, nil, nil
	case config.ModeAppService:
		client := matrix.NewClient(cfg.MatrixHomeserverURL, cfg.MatrixASToken, serverName, log, rateLimits)
		adapter := matrix.NewAppServiceAdapter(client, serverName, cfg.MatrixHSToken, rooms)
		return adapter, adapter, nil
	default:
		return nil, nil, errUnknownMode(cfg.MatrixMode)
	}
}

func errUnknownMode(mode config.Mode) error {
	return &startupError{code: exitConfig, err: errModeString(mode)}
}

type errModeString config.Mode

func (e errModeString) Error() string { return "unknown matrix mode: " + string(e) }

// storeDSN strips the sqlite:// scheme spec.md §6's DATABASE__URL
// uses, since store.Open takes a bare database/sql DSN.
func storeDSN(url string) string {
	const prefix = "sqlite://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}
