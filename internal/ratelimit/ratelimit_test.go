package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAdmitAllowsWithinLimit(t *testing.T) {
	ctx := context.Background()
	l, err := NewLimiter(ctx, newTestStore(t), time.Minute, 2)
	require.NoError(t, err)

	limited, err := l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, limited)

	limited, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestAdmitTripsAtThirdRequest(t *testing.T) {
	ctx := context.Background()
	l, err := NewLimiter(ctx, newTestStore(t), time.Minute, 2)
	require.NoError(t, err)

	_, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)

	limited, err := l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, limited)
}

func TestAdmitResetsAfterWindowElapses(t *testing.T) {
	ctx := context.Background()
	window := 60 * time.Millisecond
	l, err := NewLimiter(ctx, newTestStore(t), window, 2)
	require.NoError(t, err)

	_, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	limited, err := l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, limited)

	time.Sleep(window + 20*time.Millisecond)

	limited, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestAdmitEscalatesToHardBlock(t *testing.T) {
	ctx := context.Background()
	window := 60 * time.Millisecond
	l, err := NewLimiter(ctx, newTestStore(t), window, 2)
	require.NoError(t, err)

	// 4 requests within one window: count reaches 4 > 1.5*2=3, escalating.
	for i := 0; i < 4; i++ {
		_, err := l.Admit(ctx, "agent-1")
		require.NoError(t, err)
	}

	time.Sleep(window + 20*time.Millisecond)

	// Still blocked even though the counting window has elapsed.
	limited, err := l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, limited)
}

func TestResetClearsCounter(t *testing.T) {
	ctx := context.Background()
	l, err := NewLimiter(ctx, newTestStore(t), time.Minute, 1)
	require.NoError(t, err)

	_, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	limited, err := l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, limited)

	require.NoError(t, l.Reset(ctx, "agent-1"))

	limited, err = l.Admit(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestNewLimiterRehydratesFromStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	l1, err := NewLimiter(ctx, st, time.Minute, 1)
	require.NoError(t, err)
	_, err = l1.Admit(ctx, "agent-1")
	require.NoError(t, err)
	limited, err := l1.Admit(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, limited)

	l2, err := NewLimiter(ctx, st, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, l2.IsLimited("agent-1"))
}
