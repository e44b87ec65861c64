// Package app wires the job control plane's collaborators together —
// store, registry, submission gate, driver, admin, stream reader,
// watcher, webhook notifier, and HTTP router — the same single
// composition-root shape as the teacher's internal/app/app.go, adapted
// from alert ingestion to the optimization job control plane.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"optimizectl/internal/admin"
	"optimizectl/internal/config"
	"optimizectl/internal/driver"
	"optimizectl/internal/httpapi"
	"optimizectl/internal/jobrun"
	"optimizectl/internal/notify"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
	"optimizectl/internal/stream"
	"optimizectl/internal/submission"
	"optimizectl/internal/watch"
)

// App holds every long-lived collaborator plus the HTTP mux built from
// them.
type App struct {
	cfg     config.Config
	st      store.Store
	reg     *registry.Registry
	runner  *jobrun.Runner
	watcher *watch.Watcher
	mux     *http.ServeMux
	log     zerolog.Logger
}

// New opens the configured store, builds the registry/driver/submission
// stack, and registers the HTTP surface onto a fresh mux.
func New(cfg config.Config) (*App, error) {
	logger := log.Logger

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg, st, logger)
	emitter := registry.NewEmitter(cfg, st)
	gate := submission.New(cfg, st, reg)
	adminSvc := admin.New(st, reg)
	reader := stream.New(cfg, st, reg)

	objectives, err := config.LoadObjectives(cfg.ObjectivesPath)
	if err != nil {
		return nil, err
	}
	provider := buildProvider(cfg)
	optDriver := driver.NewDefault(provider, objectives)
	notifier := notify.New(cfg.WebhookURL)

	runner := jobrun.New(cfg, gate, reg, emitter, optDriver.Run, notifier, logger)
	watcher := watch.New(cfg, runner, logger)

	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, runner, reg, adminSvc, reader, logger)
	router.Register(mux)

	return &App{cfg: cfg, st: st, reg: reg, runner: runner, watcher: watcher, mux: mux, log: logger}, nil
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.JobStore {
	case "sqlite":
		return store.OpenSQLite(cfg.DBPath)
	case "memory", "":
		return store.NewMemory(), nil
	default:
		return nil, errors.New("app: unknown JOB_STORE " + cfg.JobStore)
	}
}

func buildProvider(cfg config.Config) driver.Provider {
	if cfg.ProviderURL == "" {
		return driver.StaticProvider{}
	}
	return driver.NewHTTPProvider(cfg.ProviderURL, "", "")
}

// Run starts the reaper, the optional directory watcher, and the HTTP
// server, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.reg.Start()
	defer a.reg.Shutdown()

	if err := a.watcher.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	a.log.Info().Str("port", a.cfg.HTTPPort).Str("store", a.cfg.JobStore).Msg("app: http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Mux exposes the registered handler tree, primarily for tests.
func (a *App) Mux() *http.ServeMux { return a.mux }

// Close releases the underlying store.
func (a *App) Close() error { return a.st.Close() }
