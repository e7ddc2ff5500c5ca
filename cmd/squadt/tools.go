package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/CZERTAINLY/Squadt/internal/service"

	"github.com/spf13/cobra"
)

var flagQuery bool

func init() {
	toolsCmd.Flags().BoolVar(&flagQuery, "query", false, "start every tool to learn its input configurations")
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "lists the tools of the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := service.NewEnv(ctx, prefs)
		if err != nil {
			return err
		}
		defer func() {
			_ = env.Close()
		}()

		var qerr error
		if flagQuery {
			qerr = env.Tools.QueryAll(ctx)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLOCATION\tCATEGORY\tFORMAT")
		for _, t := range env.Tools.Tools() {
			if t.Capabilities == nil || len(t.Capabilities.InputConfigurations) == 0 {
				fmt.Fprintf(w, "%s\t%s\t-\t-\n", t.Name, t.Location)
				continue
			}
			for _, ic := range t.Capabilities.InputConfigurations {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Location, ic.Category, ic.Format)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return qerr
	},
}
