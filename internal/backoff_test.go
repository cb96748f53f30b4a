package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		slot    time.Duration
		maximum time.Duration
		max     time.Duration
	}{
		{name: "zero attempt", attempt: 0, slot: time.Millisecond, maximum: time.Second, max: 0},
		{name: "negative attempt", attempt: -3, slot: time.Millisecond, maximum: time.Second, max: 0},
		{name: "zero slot", attempt: 5, slot: 0, maximum: time.Second, max: 0},
		{name: "first attempt", attempt: 1, slot: 10 * time.Millisecond, maximum: time.Second, max: 10 * time.Millisecond},
		{name: "capped", attempt: 20, slot: time.Second, maximum: 5 * time.Second, max: 5 * time.Second},
		{name: "huge attempt", attempt: 200, slot: time.Second, maximum: 5 * time.Second, max: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				got := Backoff(tt.attempt, tt.slot, tt.maximum)
				assert.GreaterOrEqual(t, got, time.Duration(0))
				assert.LessOrEqual(t, got, tt.max)
			}
		})
	}
}
