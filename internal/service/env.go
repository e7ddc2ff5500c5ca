package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/format"
	"github.com/CZERTAINLY/Squadt/internal/history"
	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/CZERTAINLY/Squadt/internal/project"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/CZERTAINLY/Squadt/internal/tool"
)

// Env holds the collaborators shared by all projects opened by one controller
type Env struct {
	Preferences model.Preferences
	Executor    *execution.Executor
	Server      *tipi.Server
	Tools       *tool.Manager
	Formats     *format.Registry
	History     *history.Store // nil without history preference
}

// NewEnv starts the control listener and loads the tool catalog and the
// history database named by prefs
func NewEnv(ctx context.Context, prefs model.Preferences) (*Env, error) {
	if prefs.Version != 0 {
		return nil, fmt.Errorf("preferences version %d is not supported, expected 0", prefs.Version)
	}

	formats := format.NewRegistry()
	for _, f := range prefs.Formats {
		formats.Register(f.Format, f.Extensions, f.Command)
	}

	server, err := tipi.Listen(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("starting control listener: %w", err)
	}
	env := &Env{
		Preferences: prefs,
		Executor:    execution.NewExecutor(prefs.Execution.MaximumProcessTotal),
		Server:      server,
		Formats:     formats,
	}
	env.Tools = tool.NewManager(env.Executor, server, prefs.Execution.LogFilterLevel)
	if d := prefs.Execution.ConnectTimeoutDuration(); d > 0 {
		env.Tools = env.Tools.WithConnectTimeout(d)
	}

	if prefs.Catalog != "" {
		catalog, err := tool.LoadCatalog(prefs.Catalog)
		if err != nil {
			return nil, errors.Join(err, env.Close())
		}
		if err := env.Tools.AddCatalog(catalog); err != nil {
			return nil, errors.Join(err, env.Close())
		}
		slog.DebugContext(ctx, "tool catalog loaded", "path", prefs.Catalog, "tools", len(catalog.Tools))
	}

	if prefs.History != "" {
		env.History, err = history.Open(ctx, prefs.History)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("opening history: %w", err), env.Close())
		}
	}
	return env, nil
}

// ProjectConfig returns the project configuration derived from the preferences
func (e *Env) ProjectConfig() project.Config {
	cfg := project.Config{
		Tools:   e.Tools,
		Formats: e.Formats,
	}
	if e.Preferences.ExternalChanges == model.ExternalChangesConflict {
		cfg.ExternalChanges = project.Conflict
	}
	if e.History != nil {
		cfg.Recorder = e.History
	}
	return cfg
}

// Open opens the project at path, creating it when create is set
func (e *Env) Open(ctx context.Context, path string, create bool) (*project.Manager, error) {
	if create {
		return project.Create(ctx, path, e.ProjectConfig())
	}
	return project.Open(ctx, path, false, e.ProjectConfig())
}

// Close terminates all tool processes and releases the listener and the history
func (e *Env) Close() error {
	e.Executor.TerminateAll()
	var errs []error
	if err := e.Server.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.History != nil {
		errs = append(errs, e.History.Close())
	}
	return errors.Join(errs...)
}
