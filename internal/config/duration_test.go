package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationOrDefault(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 3 * time.Second, false},
		{"0s", 3 * time.Second, false},
		{"0", 3 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{" 2m ", 2 * time.Minute, false},
		{"5", 5 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"-1s", 0, true},
		{"-2", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseDurationOrDefault("dispatch.pacing_min", tc.raw, 3*time.Second)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "dispatch.pacing_min")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
