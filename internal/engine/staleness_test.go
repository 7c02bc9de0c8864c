package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIsActionableBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{name: "fresh", age: 0, want: true},
		{name: "just inside", age: DefaultStalenessWindow - time.Millisecond, want: true},
		{name: "exactly window", age: DefaultStalenessWindow, want: true},
		{name: "just outside", age: DefaultStalenessWindow + time.Nanosecond, want: false},
		{name: "old", age: time.Hour, want: false},
		{name: "future", age: -5 * time.Second, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IsActionable(now.Add(-tc.age), now, DefaultStalenessWindow)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestIsActionableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "window"))
		age := time.Duration(rapid.Int64Range(-int64(time.Hour), int64(time.Hour)).Draw(t, "age"))
		now := time.Unix(1_700_000_000, 0)

		got := IsActionable(now.Add(-age), now, window)
		require.Equal(t, age <= window, got)
	})
}
