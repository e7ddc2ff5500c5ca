// Package tipitest turns a test binary into a fake tool. A TestMain calls
// ServeIfTool first, the binary then behaves as a tool whenever it was started
// by a controller.
package tipitest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/log"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
)

const (
	// ModeCopy concatenates all inputs into every output
	ModeCopy = "copy"
	// ModeFail reports a failed task
	ModeFail = "fail"
	// ModeCrash exits the process without reporting
	ModeCrash = "crash"
	// ModeHang never finishes the task
	ModeHang = "hang"
	// ModeReject rejects every configuration
	ModeReject = "reject"

	Category = "transformation"
	Format   = "text/plain"
	InputID  = "in"
	OutputID = "out"
)

// ServeIfTool serves the tool protocol and exits when the process was started
// as a tool, otherwise it returns immediately.
func ServeIfTool() {
	args, ok := tipi.ParseArgs(os.Args[1:])
	if !ok {
		return
	}
	slog.SetDefault(slog.New(log.NewContextHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: log.SlogLevel(args.LogFilterLevel),
	}))))

	mode := ModeCopy
	for _, arg := range args.Rest {
		if v, ok := strings.CutPrefix(arg, "--mode="); ok {
			mode = v
		}
	}
	if err := tipi.Serve(context.Background(), args, Fake{Mode: mode}); err != nil {
		slog.Error("fake tool failed", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command returns the location and arguments to start the running test binary as a tool
func Command(t testing.TB, mode string) (string, []string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	return exe, []string{"--mode=" + mode}
}

// Fake is a tool with a single input configuration
type Fake struct {
	Mode string
}

func (f Fake) Capabilities() tipi.Capabilities {
	return tipi.Capabilities{
		Name:    "fake",
		Version: "1",
		InputConfigurations: []tipi.InputConfiguration{
			{Category: Category, Format: Format, PrimaryID: InputID},
		},
	}
}

// Configure adds a single text output named after the output prefix unless one exists
func (f Fake) Configure(_ context.Context, cfg tipi.Configuration) (tipi.Configuration, error) {
	if f.Mode == ModeReject {
		return cfg, errors.New("configuration rejected")
	}
	if len(cfg.Inputs) == 0 {
		return cfg, errors.New("no inputs")
	}
	cfg = cfg.Clone()
	if _, ok := cfg.Output(OutputID); !ok {
		prefix := cfg.OutputPrefix
		if prefix == "" {
			prefix = "output"
		}
		cfg.Outputs = append(cfg.Outputs, tipi.Object{ID: OutputID, Format: Format, Location: prefix + ".txt"})
	}
	return cfg, nil
}

func (f Fake) Execute(ctx context.Context, cfg tipi.Configuration, r tipi.Reporter) error {
	switch f.Mode {
	case ModeFail:
		return errors.New("failed on request")
	case ModeCrash:
		os.Exit(3)
	case ModeHang:
		time.Sleep(time.Hour)
	}

	_ = r.Report(ctx, fmt.Sprintf("copying %d inputs", len(cfg.Inputs)))
	for _, out := range cfg.Outputs {
		if err := concat(out.Location, cfg.Inputs); err != nil {
			return err
		}
	}
	return nil
}

func concat(dst string, inputs []tipi.Object) error {
	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		r, err := os.Open(in.Location)
		if err != nil {
			_ = w.Close()
			return err
		}
		_, err = io.Copy(w, r)
		_ = r.Close()
		if err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
