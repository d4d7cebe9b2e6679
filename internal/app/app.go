// Package app wires the workspace database, config, pipeline, and runner
// into one handle the CLI commands share.
package app

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"termline/internal/config"
	"termline/internal/db"
	"termline/internal/migrate"
	"termline/internal/pipeline"
	"termline/internal/repo"
	"termline/internal/runner"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Runner    *runner.Runner
	Logger    zerolog.Logger
}

// Open prepares the workspace: ensures the directory, opens and migrates the
// database, loads config, and builds the runner over the default pipeline.
func Open(workspace string, logger zerolog.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rn := runner.New(conn, pipeline.Default().Resolve, logger, cfg.Runner.QueueSize)
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Runner:    rn,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
