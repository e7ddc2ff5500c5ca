package squadt_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	squadtPath string
	catPath    string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("squadt-ci") || !isExecutable("squadt-cat-ci") {
		slog.Warn("integration tests need binaries: run go build -race -cover -covermode=atomic -o squadt-ci ./cmd/squadt/ && go build -o squadt-cat-ci ./cmd/squadt-cat/ first")
		os.Exit(0)
	}

	var err error
	squadtPath, err = filepath.Abs("squadt-ci")
	if err != nil {
		slog.Error("can't get abspath for squadt-ci", "error", err)
		os.Exit(1)
	}
	catPath, err = filepath.Abs("squadt-cat-ci")
	if err != nil {
		slog.Error("can't get abspath for squadt-cat-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for squadt-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for squadt-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestSquadt(t *testing.T) {
	_ = chDir(t)

	const config = `
version: 0
catalog: tools.yaml
history: history.db
service:
    mode: "manual"
`
	creat(t, "squadt.yaml", []byte(config))
	creat(t, "tools.yaml", []byte("tools:\n  - name: cat\n    location: "+catPath+"\n"))
	creat(t, "a.txt", []byte("hello\n"))
	require.NoError(t, os.Mkdir("store", 0o755))

	squadt(t, "init", "store", "--description", "integration")
	squadt(t, "import", "a.txt")
	out := squadt(t, "add", "cat", "a.txt")
	require.Contains(t, out, "a-001.txt")

	out = squadt(t, "status")
	require.Contains(t, out, "nonexistent")

	squadt(t, "serve")
	b, err := os.ReadFile(filepath.Join("store", "a-001.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(b))

	out = squadt(t, "status")
	require.Contains(t, out, "up_to_date")
	require.NotContains(t, out, "nonexistent")

	out = squadt(t, "history")
	require.Contains(t, out, "configure")
	require.Contains(t, out, "update")

	squadt(t, "remove", "a-001.txt")
	out = squadt(t, "status")
	require.NotContains(t, out, "a-001.txt")
	require.NoFileExists(t, filepath.Join("store", "a-001.txt"))
}

// squadt runs the controller on the store of the test and returns its stdout
func squadt(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, squadtPath, append([]string{"--config", "squadt.yaml", "-p", "store"}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("squadt %s: %s", strings.Join(args, " "), stderr.String())
		require.NoError(t, err)
	}
	return stdout.String()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
