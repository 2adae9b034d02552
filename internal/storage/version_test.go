package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanApplyOneOffFlags(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	cases := []struct {
		name      string
		candidate int64
		persisted int64
		want      bool
	}{
		{"not newer", 500, 1000, false},
		{"fresh and newer", 1_990_000, 1000, true},
		{"newer but stale", 100, 50, false},
		{"equal", 1000, 1000, false},
		{"exactly at the window edge", 200_000, 0, true},
		{"one ms past the window", 199_999, 0, false},
		{"absent record, fresh candidate", 1_999_999, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanApplyOneOffFlags(tc.candidate, tc.persisted, now))
		})
	}
}
