package harvest

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateLimitsConcurrency(t *testing.T) {
	t.Parallel()

	g := NewGate(2)
	ctx := context.Background()

	rel1, err := g.Acquire(ctx)
	require.NoError(t, err)
	rel2, err := g.Acquire(ctx)
	require.NoError(t, err)

	// The pool is full: a third acquire blocks until its context expires.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rel1()
	rel3, err := g.Acquire(ctx)
	require.NoError(t, err)
	rel3()
	rel2()
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	ctx := context.Background()

	rel, err := g.Acquire(ctx)
	require.NoError(t, err)
	rel()
	rel()

	// Double release must not mint an extra permit.
	rel, err = g.Acquire(ctx)
	require.NoError(t, err)
	defer rel()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateSurvivesRandomizedFailures(t *testing.T) {
	t.Parallel()

	const (
		capacity   = 4
		iterations = 10000
		workers    = 8
	)
	g := NewGate(capacity)
	ctx := context.Background()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < iterations/workers; i++ {
				if rng.Intn(4) == 0 {
					// Injected failure: the acquire itself errors and no
					// permit may be consumed.
					if _, err := g.Acquire(canceled); err == nil {
						t.Error("acquire with canceled context succeeded")
						return
					}
					continue
				}
				rel, err := g.Acquire(ctx)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				switch rng.Intn(3) {
				case 0:
					rel()
				case 1:
					// Error path that releases on every exit, then again.
					rel()
					rel()
				case 2:
					func() {
						defer rel()
						if rng.Intn(2) == 0 {
							rel()
						}
					}()
				}
			}
		}()
	}
	wg.Wait()

	// Every permit must be back in the pool: the full capacity is
	// acquirable and one more blocks.
	releases := make([]func(), 0, capacity)
	for i := 0; i < capacity; i++ {
		rel, err := g.Acquire(ctx)
		require.NoError(t, err)
		releases = append(releases, rel)
	}
	short, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()
	_, err := g.Acquire(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	for _, rel := range releases {
		rel()
	}
}

func TestUnboundedGate(t *testing.T) {
	t.Parallel()

	g := Unbounded()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		rel, err := g.Acquire(ctx)
		require.NoError(t, err)
		rel()
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := g.Acquire(canceled)
	require.ErrorIs(t, err, context.Canceled)
}
