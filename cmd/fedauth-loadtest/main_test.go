package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	samples := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(1), percentile(samples, 0))
	assert.Equal(t, time.Duration(5), percentile(samples, 50))
	assert.Equal(t, time.Duration(10), percentile(samples, 100))
	assert.Equal(t, time.Duration(0), percentile(nil, 50))
}

func TestRunPhaseCountsFailures(t *testing.T) {
	stats := runPhase(10, 3, func(i int) error {
		if i%2 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	assert.Equal(t, 10, stats.ops)
	assert.Equal(t, int64(5), stats.failures)
}

func TestRunEndToEndOnMiniredis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	assert.NoError(t, run(5, 2, 20, ""))
}
