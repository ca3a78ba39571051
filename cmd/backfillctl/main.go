package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/batched"
	"github.com/kursadbilgin/backfill-engine/internal/config"
	"github.com/kursadbilgin/backfill-engine/internal/events"
	"github.com/kursadbilgin/backfill-engine/internal/infra/database"
	"github.com/kursadbilgin/backfill-engine/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/backfill-engine/internal/observability"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
	"github.com/kursadbilgin/backfill-engine/internal/service"
)

// engine is what the subcommands operate on.
type engine struct {
	project     string
	status      *service.StatusService
	coordinator *service.Coordinator
	// events is nil when RABBITMQ_URL is not set.
	events      events.Consumer
	close       func() error
}

type cmdGlobal struct {
	cmd    *cobra.Command
	out    io.Writer
	engine *engine

	// open builds the engine; tests replace it.
	open func(project string) (*engine, error)

	flagProject string
	flagFormat  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newRootCommand(os.Stdout, openEngine)
	if err := app.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer, open func(project string) (*engine, error)) *cobra.Command {
	app := &cobra.Command{}
	app.Use = "backfillctl"
	app.Short = "Inspect and control batched migrations"
	app.Long = `Description:
  Inspect and control batched migrations

  Reads the same environment as the worker (DATABASE_DRIVER, DATABASE_DSN,
  PROJECT, ...) and talks to the database directly.
`
	app.SilenceUsage = true
	app.SilenceErrors = true
	app.CompletionOptions = cobra.CompletionOptions{HiddenDefaultCmd: true}

	global := &cmdGlobal{cmd: app, out: out, open: open}
	app.SetOut(out)
	app.PersistentFlags().StringVarP(&global.flagProject, "project", "p", "", "Project to operate on (defaults to PROJECT)")
	app.PersistentFlags().StringVarP(&global.flagFormat, "format", "f", "table", "Output format (table|json)")
	app.PersistentPreRunE = global.PreRun
	app.PersistentPostRunE = global.PostRun

	app.AddCommand((&cmdList{global: global}).Command())
	app.AddCommand((&cmdShow{global: global}).Command())
	app.AddCommand((&cmdPause{global: global}).Command())
	app.AddCommand((&cmdResume{global: global}).Command())
	app.AddCommand((&cmdRetry{global: global}).Command())
	app.AddCommand((&cmdFinalize{global: global}).Command())
	app.AddCommand((&cmdWatch{global: global}).Command())

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	app.Args = cobra.NoArgs
	app.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return app
}

func (c *cmdGlobal) PreRun(cmd *cobra.Command, args []string) error {
	if cmd == c.cmd || cmd.Name() == "help" {
		return nil
	}
	if c.flagFormat != formatTable && c.flagFormat != formatJSON {
		return fmt.Errorf("invalid format %q", c.flagFormat)
	}

	e, err := c.open(c.flagProject)
	if err != nil {
		return err
	}
	c.engine = e
	return nil
}

func (c *cmdGlobal) PostRun(cmd *cobra.Command, args []string) error {
	if c.engine == nil || c.engine.close == nil {
		return nil
	}
	return c.engine.close()
}

// CheckArgs validates the positional argument count.
func (c *cmdGlobal) CheckArgs(cmd *cobra.Command, args []string, minArgs int, maxArgs int) (bool, error) {
	if len(args) < minArgs || (maxArgs != -1 && len(args) > maxArgs) {
		_ = cmd.Help()

		if len(args) == 0 {
			return true, nil
		}

		return true, fmt.Errorf("Invalid number of arguments")
	}

	return false, nil
}

func openEngine(project string) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if project == "" {
		project = cfg.Project
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := migrations.Migrate(db); err != nil {
		return nil, err
	}

	e, err := newEngine(db, project, cfg.BatchTimeout(), logger)
	if err != nil {
		return nil, err
	}
	if cfg.RabbitMQURL == "" {
		return e, nil
	}

	rabbit, err := events.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		_ = e.close()
		return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	e.events = events.NewRabbitMQConsumer(rabbit, 1, logger)

	closeDB := e.close
	e.close = func() error {
		return errors.Join(e.events.Close(), closeDB())
	}
	return e, nil
}

func newEngine(db *gorm.DB, project string, batchTimeout time.Duration, logger *zap.Logger) (*engine, error) {
	reg, err := batched.NewRegistry()
	if err != nil {
		return nil, err
	}

	migrationRepo := repository.NewGormMigrationRepo(db)
	batchRepo := repository.NewGormBatchRepo(db)

	status, err := service.NewStatusService(migrationRepo, batchRepo)
	if err != nil {
		return nil, err
	}

	executor, err := service.NewExecutor(db, batchTimeout, logger)
	if err != nil {
		return nil, err
	}

	coordinator, err := service.NewCoordinator(migrationRepo, batchRepo, reg, executor, nil, service.CoordinatorConfig{
		Project: project,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &engine{
		project:     project,
		status:      status,
		coordinator: coordinator,
		close: func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}, nil
}
