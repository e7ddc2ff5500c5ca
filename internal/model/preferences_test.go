package model_test

import (
	"bytes"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadPreferences(t *testing.T) {
	t.Setenv("SQUADT_TEST_HOME", "/srv/squadt")
	yml := `
version: 0
external-changes: conflict
execution:
  maximum-process-total: 4
  connect-timeout: 1m30s
formats:
  - format: text/mcrl2
    extensions: [mcrl2, .mcrl]
    command: vim
catalog: ${SQUADT_TEST_HOME}/tools.yaml
history: ${SQUADT_TEST_HOME}/history.db
metrics:
  address: 127.0.0.1:9100
service:
  mode: timer
  schedule:
    duration: 1h
`
	prefs, err := model.LoadPreferences(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.ExternalChangesConflict, prefs.ExternalChanges)
	require.Equal(t, 4, prefs.Execution.MaximumProcessTotal)
	require.Equal(t, 90*time.Second, prefs.Execution.ConnectTimeoutDuration())
	require.Equal(t, 2, prefs.Execution.LogFilterLevel)
	require.Len(t, prefs.Formats, 1)
	require.Equal(t, []string{"mcrl2", ".mcrl"}, prefs.Formats[0].Extensions)
	require.Equal(t, "/srv/squadt/tools.yaml", prefs.Catalog)
	require.Equal(t, "/srv/squadt/history.db", prefs.History)
	require.NotNil(t, prefs.Metrics)
	require.Equal(t, 9100, prefs.Metrics.Address.Port)
	require.Equal(t, model.ServiceModeTimer, prefs.Service.Mode)
	require.NotNil(t, prefs.Service.Schedule)
	require.Equal(t, "1h", prefs.Service.Schedule.Duration)
}

func TestDefaultPreferences(t *testing.T) {
	prefs := model.DefaultPreferences()
	require.Equal(t, 0, prefs.Version)
	require.Equal(t, model.ExternalChangesAccept, prefs.ExternalChanges)
	require.Equal(t, 2, prefs.Execution.MaximumProcessTotal)
	require.Equal(t, 10*time.Second, prefs.Execution.ConnectTimeoutDuration())
	require.Equal(t, model.ServiceModeManual, prefs.Service.Mode)
	require.Nil(t, prefs.Service.Schedule)
	require.Nil(t, prefs.Metrics)

	var buf bytes.Buffer
	require.NoError(t, prefs.Store(&buf))
	again, err := model.LoadPreferences(&buf)
	require.NoError(t, err)
	require.Equal(t, prefs, again)
}

func TestLoadPreferences_Fail(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
		path     string
	}{
		{
			scenario: "timer without schedule",
			given:    "version: 0\nservice:\n  mode: timer\n",
			path:     "service.schedule",
		},
		{
			scenario: "zero processes",
			given:    "version: 0\nexecution:\n  maximum-process-total: 0\n",
			path:     "execution.maximum-process-total",
		},
		{
			scenario: "bad duration",
			given:    "version: 0\nexecution:\n  connect-timeout: soon\n",
			path:     "execution.connect-timeout",
		},
		{
			scenario: "unknown field",
			given:    "version: 0\nworkers: 3\n",
			path:     "workers",
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadPreferences(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				require.NotEmpty(t, d.Code)
				paths = append(paths, d.Path)
			}
			require.Contains(t, strings.Join(paths, " "), tc.path)
		})
	}
}

func TestCueErrDetails_Other(t *testing.T) {
	require.Nil(t, model.CueErrDetails(nil))
	require.Nil(t, model.CueErrDetails(bytes.ErrTooLarge))
}

func TestCueErrDetails_Incomplete(t *testing.T) {
	_, err := model.LoadPreferences(strings.NewReader("version: 0\nservice:\n  mode: timer\n"))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	idx := slices.IndexFunc(details, func(d model.CueErrorDetail) bool {
		return d.Path == "service.schedule"
	})
	require.GreaterOrEqual(t, idx, 0, "details: %+v", details)
	require.Equal(t, "missing_required", details[idx].Code)
	require.Equal(t, "Field schedule is required", details[idx].Message)
}
