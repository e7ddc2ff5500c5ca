package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Squadt/internal/log"
	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

const preferencesFile = "squadt.yaml"

var (
	userConfigPath string // /default/config/path/squadt on given OS
	configPath     string // actual preferences file used (if loaded)
	prefs          model.Preferences

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagProject        string // value of --project flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "squadt")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Preferences file to load - default is "+preferencesFile+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", ".", "project store directory or project file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create preferences, setup logging
	rootCmd.PersistentPreRunE = initSquadt

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("squadt failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "squadt",
	Short:        "Runs analysis tools and keeps the files they derive up to date",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a squadt",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("squadt: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("squadt: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initSquadt(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	if envConfig, ok := os.LookupEnv("SQUADTCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, preferencesFile)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default preferences
	if configPath == "" {
		prefs = model.DefaultPreferences()
		configPath = filepath.Join(userConfigPath, preferencesFile)
		if err := storeDefaults(configPath); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening preferences file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		prefs, err = model.LoadPreferences(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid preferences", d.Attr("detail"))
			}
			return fmt.Errorf("parsing preferences: %w", err)
		}
	}

	// --verbose has a precedence over preferences file
	if flagVerbose {
		prefs.Verbose = true
	}
	if prefs.Verbose {
		prefs.Execution.LogFilterLevel = max(prefs.Execution.LogFilterLevel, log.FilterLevel(log.Level(true)))
	}

	slog.SetDefault(log.New(prefs.Verbose, os.Stderr))
	cmd.SetContext(log.ContextAttrs(cmd.Context(), slog.Group("squadt",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)))

	slog.Debug("squadt run", "configPath", configPath)
	slog.Debug("squadt run", "preferences", prefs)
	return nil
}

func storeDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	if err := prefs.Store(f); err != nil {
		return errors.Join(fmt.Errorf("storing preferences: %w", err), f.Close())
	}
	return f.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
