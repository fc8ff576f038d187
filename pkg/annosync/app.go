package annosync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/audit"
	"github.com/surrealdb/annosync/pkg/events"
	"github.com/surrealdb/annosync/pkg/hooks"
	"github.com/surrealdb/annosync/pkg/hybrid"
	"github.com/surrealdb/annosync/pkg/logger"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/postgres"
)

// App owns both stores and the components built on them. Every command
// builds one App and closes it when done.
type App struct {
	config *Config
	log    zerolog.Logger
	logs   *logger.LogData
	out    io.Writer

	dispatcher *events.Dispatcher
	primary    store.PrimaryStore
	secondary  store.ProjectionStore
	hooks      *hooks.Propagator
	service    *hybrid.Service
	auditor    *audit.Auditor
}

// New opens the primary store, builds the document store and attaches the
// change-capture hooks. Command output goes to out; logs go to the
// configured log file or stderr.
func New(ctx context.Context, config *Config, out io.Writer) (*App, error) {
	if out == nil {
		out = os.Stdout
	}
	logs, err := logger.New().FromPath(config.Log.File).Level(config.Log.Level).Make()
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log := logs.Logger

	dispatcher := events.NewDispatcher(log.With().Str("component", "events").Logger())

	dialector, err := postgres.Dialector(config.Primary.Driver, config.Primary.DSN)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	primary, err := postgres.Open(dialector, dispatcher)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	secondary, err := config.Secondary.Open(log)
	if err != nil {
		_ = primary.Close()
		_ = logs.Close()
		return nil, err
	}
	if !config.Secondary.Lazy {
		// A failed dial is not fatal: the hooks degrade and the auditor
		// repairs later.
		dialCtx, cancel := withTimeout(ctx, config.Secondary.Timeout)
		if !secondary.EnsureConnection(dialCtx) {
			log.Warn().Str("backend", secondary.Backend()).Msg("document store unreachable at startup")
		}
		cancel()
	}

	propagator := hooks.New(primary, secondary, config.Sync.Retryer(), log)
	propagator.SetTimeout(config.Secondary.Timeout)
	propagator.Attach(dispatcher)

	return &App{
		config:     config,
		log:        log,
		logs:       logs,
		out:        out,
		dispatcher: dispatcher,
		primary:    primary,
		secondary:  secondary,
		hooks:      propagator,
		service:    hybrid.New(primary, secondary, propagator, log),
		auditor:    audit.New(primary, secondary, propagator, log),
	}, nil
}

// Service returns the synchronization service.
func (a *App) Service() *hybrid.Service { return a.service }

// Auditor returns the consistency auditor.
func (a *App) Auditor() *audit.Auditor { return a.auditor }

// Primary returns the primary store.
func (a *App) Primary() store.PrimaryStore { return a.primary }

// Secondary returns the document store.
func (a *App) Secondary() store.ProjectionStore { return a.secondary }

// secondaryContext bounds a document store call by --secondary.timeout.
func (a *App) secondaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, a.config.Secondary.Timeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Close detaches the hooks and closes both stores and the log file.
func (a *App) Close() error {
	a.hooks.Detach()
	ctx, cancel := a.secondaryContext(context.Background())
	defer cancel()
	return errors.Join(
		a.secondary.Close(ctx),
		a.primary.Close(),
		a.logs.Close(),
	)
}
