package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/CZERTAINLY/Squadt/internal/project"
	"github.com/CZERTAINLY/Squadt/internal/service"
	"github.com/CZERTAINLY/Squadt/internal/tipi"

	"github.com/spf13/cobra"
)

var (
	flagDescription string
	flagImportAs    string
	flagImportTree  bool
	flagOutputDir   string
	flagCategory    string
	flagForce       bool
	flagKeepFiles   bool
)

func init() {
	initCmd.Flags().StringVar(&flagDescription, "description", "", "project description")

	importCmd.Flags().StringVar(&flagImportAs, "as", "", "store relative name of a single imported file")
	importCmd.Flags().BoolVar(&flagImportTree, "tree", false, "import directories recursively")

	addCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "store relative directory for the outputs")
	addCmd.Flags().StringVar(&flagCategory, "category", "", "tool category, the first one accepting the input format if empty")

	runCmd.Flags().BoolVar(&flagForce, "force", false, "run processors without inputs too")

	removeCmd.Flags().BoolVar(&flagKeepFiles, "keep-files", false, "keep output files in the store")
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "creates a project, files already in the store become its sources",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			flagProject = args[0]
		}
		return withProject(cmd, true, func(_ context.Context, _ *service.Env, m *project.Manager) error {
			if flagDescription != "" {
				m.SetDescription(flagDescription)
			}
			if err := m.Store(); err != nil {
				return err
			}
			fmt.Printf("project %s with %d processors\n", m.ProjectFile(), len(m.Processors()))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import path...",
	Short: "copies files into the project store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagImportAs != "" && len(args) > 1 {
			return errors.New("--as requires a single file")
		}
		return withProject(cmd, false, func(ctx context.Context, _ *service.Env, m *project.Manager) error {
			var errs []error
			for _, path := range args {
				info, err := os.Stat(path)
				switch {
				case err != nil:
					errs = append(errs, err)
				case info.IsDir() && flagImportTree:
					errs = append(errs, m.ImportTree(ctx, path))
				case info.IsDir():
					errs = append(errs, m.ImportDirectory(ctx, path))
				default:
					p, err := m.ImportFile(path, flagImportAs)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					slog.InfoContext(ctx, "imported", "processor", p.ID(), "location", p.OutputObjects()[0].Location)
				}
			}
			return errors.Join(errs...)
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add tool input",
	Short: "configures a tool on a project file and adds the resulting processor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd, false, func(ctx context.Context, env *service.Env, m *project.Manager) error {
			in, ok := m.SearchObject(args[1])
			if !ok {
				return fmt.Errorf("%s: %w", args[1], project.ErrUnknownObject)
			}
			caps, err := env.Tools.QueryCapabilities(ctx, args[0])
			if err != nil {
				return err
			}
			ic, ok := inputConfiguration(caps, in.Format)
			if !ok {
				return fmt.Errorf("tool %s does not accept %s in category %q", args[0], in.Format, flagCategory)
			}
			p := m.NewProcessor(args[0], &ic)
			if err := <-p.Configure(ctx, ic, in.ID, flagOutputDir); err != nil {
				if errors.Is(err, project.ErrDuplicateLocation) {
					return fmt.Errorf("%w: choose another --output-dir", err)
				}
				return err
			}
			for _, o := range p.OutputObjects() {
				fmt.Printf("%d\t%s\t%s\n", p.ID(), o.Location, o.Format)
			}
			return nil
		})
	},
}

func inputConfiguration(caps tipi.Capabilities, format string) (tipi.InputConfiguration, bool) {
	if flagCategory != "" {
		return caps.Find(flagCategory, format)
	}
	for _, ic := range caps.InputConfigurations {
		if ic.Format == format {
			return ic, true
		}
	}
	return tipi.InputConfiguration{}, false
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "checks the project files and prints the status of every processor output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd, false, func(_ context.Context, _ *service.Env, m *project.Manager) error {
			m.SortProcessors()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tLOCATION\tFORMAT\tSTATUS")
			for _, p := range m.Processors() {
				p.CheckStatus(false)
				tl := p.Tool()
				if tl == "" {
					tl = "-"
				}
				for _, o := range p.OutputObjects() {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", p.ID(), tl, o.Location, o.Format, o.Status)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return m.Store()
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update [processor...]",
	Short: "brings processors up to date, all final ones if none is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd, false, func(ctx context.Context, _ *service.Env, m *project.Manager) error {
			handler := func(p *project.Processor) {
				slog.InfoContext(ctx, "updating", "processor", p.ID(), "tool", p.Tool())
			}
			var errs []error
			if len(args) == 0 {
				errs = append(errs, m.Update(ctx, handler))
			}
			for _, arg := range args {
				p, err := resolve(m, arg)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				errs = append(errs, m.UpdateProcessor(ctx, p, handler))
			}
			errs = append(errs, m.Store())
			return errors.Join(errs...)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run processor",
	Short: "runs the tool of a processor regardless of its status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd, false, func(ctx context.Context, _ *service.Env, m *project.Manager) error {
			p, err := resolve(m, args[0])
			if err != nil {
				return err
			}
			err = <-p.Run(ctx, flagForce)
			return errors.Join(err, m.Store())
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove processor",
	Short: "removes a processor and everything derived from its outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd, false, func(_ context.Context, _ *service.Env, m *project.Manager) error {
			p, err := resolve(m, args[0])
			if err != nil {
				return err
			}
			return m.Remove(p, !flagKeepFiles)
		})
	},
}

// withProject opens the project of --project for the duration of f
func withProject(cmd *cobra.Command, create bool, f func(context.Context, *service.Env, *project.Manager) error) error {
	ctx := cmd.Context()
	env, err := service.NewEnv(ctx, prefs)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			slog.WarnContext(ctx, "closing environment", "error", err)
		}
	}()

	m, err := env.Open(ctx, flagProject, create)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	return f(ctx, env, m)
}

// resolve finds a processor by its id or the location of one of its outputs
func resolve(m *project.Manager, target string) (*project.Processor, error) {
	if id, err := strconv.ParseUint(target, 10, 64); err == nil {
		if p, ok := m.Processor(project.ProcessorID(id)); ok {
			return p, nil
		}
	}
	if o, ok := m.SearchObject(target); ok {
		if p, ok := m.Processor(o.Generator); ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", target, project.ErrUnknownProcessor)
}
