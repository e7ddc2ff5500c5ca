package main

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/CZERTAINLY/Squadt/internal/project"
	"github.com/CZERTAINLY/Squadt/internal/service"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "keeps the project up to date, once in manual mode or on the schedule of the preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd, false, func(ctx context.Context, env *service.Env, m *project.Manager) error {
			supervisor, err := service.NewSupervisor(ctx, prefs.Service, m)
			if err != nil {
				return err
			}
			if prefs.Metrics != nil {
				if err := env.Executor.Metrics().Register(supervisor.Registry()); err != nil {
					return err
				}
				supervisor = supervisor.WithMetrics(prefs.Metrics.Address.String())
			}
			if prefs.Service.Mode == model.ServiceModeTimer {
				slog.InfoContext(ctx, "serving project", "path", m.ProjectFile())
			}
			return supervisor.Do(ctx)
		})
	},
}
