package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/rover/internal/clock"
)

// TestPostgresConformance runs against a scratch database named by
// ROVER_TEST_PG_DSN. The tables are dropped before and after the run.
func newTestPostgres(t *testing.T) (*Postgres, *clock.Fake) {
	t.Helper()
	dsn := os.Getenv("ROVER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ROVER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	fc := clock.NewFake(time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))

	s, err := NewPostgres(ctx, dsn, WithClock(fc), WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	drop := func() {
		_, _ = s.pool.Exec(ctx, `TRUNCATE kv, list_items, zset_members`)
	}
	drop()
	t.Cleanup(func() {
		drop()
		s.Close()
	})
	return s, fc
}

func TestPostgresConformance(t *testing.T) {
	s, fc := newTestPostgres(t)
	runConformance(t, s, fc)
}

func TestPostgresDrainDuringPushesLosesNothing(t *testing.T) {
	s, _ := newTestPostgres(t)
	ctx := context.Background()

	const pushers, perPusher = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < pushers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPusher; i++ {
				assert.NoError(t, s.RPush(ctx, "queue:robot_actions", fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}

	seen := map[string]int{}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	drain := func() {
		values, err := s.Drain(ctx, "queue:robot_actions")
		require.NoError(t, err)
		for _, v := range values {
			seen[v]++
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		drain()
	}
	drain()

	assert.Len(t, seen, pushers*perPusher)
	for v, n := range seen {
		assert.Equal(t, 1, n, v)
	}
}
