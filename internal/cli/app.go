package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/workrun/internal/agent"
	"github.com/randalmurphal/workrun/internal/checkpoint"
	"github.com/randalmurphal/workrun/internal/config"
	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/fsys"
	"github.com/randalmurphal/workrun/internal/git"
	"github.com/randalmurphal/workrun/internal/lock"
	"github.com/randalmurphal/workrun/internal/pipeline"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/resource"
	"github.com/randalmurphal/workrun/internal/service"
	"github.com/randalmurphal/workrun/internal/storage"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	repos      ports.Repositories
	publisher  *events.MemoryPublisher
	svc        *service.Service
	engine     *pipeline.Engine
	dispatcher *pipeline.Dispatcher

	closeStore func() error
}

// openApp loads configuration and wires storage, adapters, the engine and
// the service. Callers must call close.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	tc, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg := tc.Config
	logger := newLogger(os.Stderr, cfg.Log)

	repos, closeStore, err := storage.Open(ctx, cfg.Database.Dialect, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	pub := events.NewMemoryPublisher()
	gitOps := git.New(git.WithLogger(logger))
	claude := agent.NewClaudeCLI(
		agent.WithClaudePath(cfg.Agent.ClaudePath),
		agent.WithDefaultModel(cfg.Agent.DefaultModel),
		agent.WithLogger(logger),
	)
	resources := resource.New(repos, gitOps, fsys.New(), claude, resource.Config{
		WorkspaceRoot: cfg.Workspace.Root,
		WorktreeDir:   cfg.Workspace.WorktreeDir,
		BranchPrefix:  cfg.Workspace.BranchPrefix,
	}, resource.WithLogger(logger))
	checkpoints := checkpoint.New(repos, gitOps, resources,
		checkpoint.WithLogger(logger),
		checkpoint.WithPublisher(pub),
	)
	engine := pipeline.NewEngine(repos, claude, resources, checkpoints,
		pipeline.WithLogger(logger),
		pipeline.WithPublisher(pub),
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			Factor:         cfg.Retry.Factor,
		}),
	)
	locker := lock.NewLocker(lock.Mode(cfg.Dispatcher.LeaseMode), cfg.Dispatcher.LeaseDir, lock.DefaultOwner())
	dispatcher := pipeline.NewDispatcher(engine, locker, cfg.Dispatcher.Workers,
		pipeline.WithDispatcherLogger(logger),
		pipeline.WithHeartbeatInterval(cfg.Dispatcher.Heartbeat),
	)
	svc := service.New(repos, resources, checkpoints,
		service.WithLogger(logger),
		service.WithPublisher(pub),
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		repos:      repos,
		publisher:  pub,
		svc:        svc,
		engine:     engine,
		dispatcher: dispatcher,
		closeStore: closeStore,
	}, nil
}

// close stops pipelines and releases the store.
func (a *app) close() {
	a.dispatcher.Close()
	a.publisher.Close()
	if err := a.closeStore(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

// withApp runs fn with a wired app bound to the command's context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
