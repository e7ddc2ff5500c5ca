package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/history"
	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/CZERTAINLY/Squadt/internal/project"

	"github.com/spf13/cobra"
)

var (
	flagLimit int
	flagAll   bool
	flagPrune string
)

func init() {
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of runs to list, 0 lists all")
	historyCmd.Flags().BoolVar(&flagAll, "all", false, "list runs of all projects")
	historyCmd.Flags().StringVar(&flagPrune, "prune", "", "delete finished runs older than the duration, like 30d")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "lists the recent tool runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if prefs.History == "" {
			return errors.New("history is not enabled in preferences")
		}
		store, err := history.Open(ctx, prefs.History)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		if flagPrune != "" {
			d, err := model.ParseDuration(flagPrune)
			if err != nil {
				return fmt.Errorf("parsing --prune: %w", err)
			}
			n, err := store.Prune(ctx, time.Now().Add(-d))
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d runs\n", n)
			return nil
		}

		var projectPath string
		if !flagAll {
			projectPath = flagProject
			if filepath.Base(projectPath) == project.ProjectFile {
				projectPath = filepath.Dir(projectPath)
			}
			projectPath, err = filepath.Abs(projectPath)
			if err != nil {
				return err
			}
		}
		rows, err := store.List(ctx, projectPath, flagLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tPROCESSOR\tTOOL\tOPERATION\tOUTPUT\tRESULT")
		for _, r := range rows {
			result := "ok"
			switch {
			case r.InProgress:
				result = "running"
			case r.Error != "":
				result = r.Error
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", r.Started.Local().Format(time.DateTime), r.Processor, r.Tool, r.Operation, r.Output, result)
		}
		return w.Flush()
	},
}
