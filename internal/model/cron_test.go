package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
		interval time.Duration
		err      string
	}{
		{"every_15_minutes", "*/15 * * * *", 15 * time.Minute, ""},
		{"macro_hourly", "@hourly", time.Hour, ""},
		{"macro_every", "@every 5m", 5 * time.Minute, ""},
		{"invalid_field_count_4", "* * * *", 0, "found 4"},
		{"invalid_token", "* * 32 * *", 0, "above maximum (31)"},
		{"empty", "", 0, "empty cron"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			interval, err := model.ParseCron(tc.given)
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.interval, interval)
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		given string
		then  time.Duration
		ok    bool
	}{
		{"90s", 90 * time.Second, true},
		{"1d12h", 36 * time.Hour, true},
		{"2h30m15s", 2*time.Hour + 30*time.Minute + 15*time.Second, true},
		{"", 0, false},
		{"30m2h", 0, false},
		{"1w", 0, false},
		{"99999999999999d", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
