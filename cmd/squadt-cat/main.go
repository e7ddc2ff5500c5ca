// squadt-cat is a minimal tool for the squadt controller: it concatenates
// its inputs into one output file, optionally separated by a line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/Squadt/internal/log"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
)

const (
	category = "transformation"
	inputID  = "main"
	outputID = "concatenation"

	optionSeparator = "separator"
	optionUpper     = "upper"
)

var formats = []string{"text/plain", "text/mcrl2"}

func main() {
	args, ok := tipi.ParseArgs(os.Args[1:])
	if !ok {
		fmt.Fprintf(os.Stderr, "usage: %s %s=tipi://host:port %s=session\n", os.Args[0], tipi.FlagConnect, tipi.FlagIdentifier)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(log.NewContextHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: log.SlogLevel(args.LogFilterLevel),
	}))))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := tipi.Serve(ctx, args, cat{})
	stop()
	if err != nil {
		slog.Error("squadt-cat failed", "error", err)
		os.Exit(1)
	}
}

type cat struct{}

func (cat) Capabilities() tipi.Capabilities {
	caps := tipi.Capabilities{Name: "squadt-cat", Version: "1"}
	for _, f := range formats {
		caps.InputConfigurations = append(caps.InputConfigurations, tipi.InputConfiguration{
			Category:  category,
			Format:    f,
			PrimaryID: inputID,
		})
	}
	return caps
}

// Configure names the output after the output prefix and the format of the main input
func (cat) Configure(_ context.Context, cfg tipi.Configuration) (tipi.Configuration, error) {
	in, ok := cfg.Input(inputID)
	if !ok {
		return cfg, fmt.Errorf("missing input %q", inputID)
	}
	switch v := cfg.Options[optionUpper]; v {
	case "", "yes", "no":
	default:
		return cfg, fmt.Errorf("option %s: expected yes or no, got %q", optionUpper, v)
	}
	cfg = cfg.Clone()
	if _, ok := cfg.Output(outputID); !ok {
		prefix := cfg.OutputPrefix
		if prefix == "" {
			prefix = "cat"
		}
		ext := ".txt"
		if in.Format == "text/mcrl2" {
			ext = ".mcrl2"
		}
		cfg.Outputs = append(cfg.Outputs, tipi.Object{ID: outputID, Format: in.Format, Location: prefix + ext})
	}
	return cfg, nil
}

func (cat) Execute(ctx context.Context, cfg tipi.Configuration, r tipi.Reporter) error {
	out, ok := cfg.Output(outputID)
	if !ok {
		return errors.New("no output configured")
	}
	w, err := os.Create(out.Location)
	if err != nil {
		return err
	}
	var dst io.Writer = w
	if cfg.Options[optionUpper] == "yes" {
		dst = upperWriter{w}
	}

	for i, in := range cfg.Inputs {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return err
		}
		if i > 0 && cfg.Options[optionSeparator] != "" {
			if _, err := io.WriteString(dst, cfg.Options[optionSeparator]+"\n"); err != nil {
				_ = w.Close()
				return err
			}
		}
		if err := appendFile(dst, in.Location); err != nil {
			_ = w.Close()
			return fmt.Errorf("input %s: %w", in.ID, err)
		}
		_ = r.Report(ctx, fmt.Sprintf("appended %s", in.Location))
	}
	return w.Close()
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type upperWriter struct {
	w io.Writer
}

func (u upperWriter) Write(b []byte) (int, error) {
	return u.w.Write([]byte(strings.ToUpper(string(b))))
}
