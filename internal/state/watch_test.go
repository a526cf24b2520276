package state

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_DeliversAfterWrite(t *testing.T) {
	s := newTestStore(t)

	st := New([]string{"core"})
	st.Phase = PhaseComplete
	require.NoError(t, s.Write(st))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *InstallationState, 4)
	go s.Watch(ctx, func(cur *InstallationState) {
		got <- cur
	})

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)

	st.Profiles = append(st.Profiles, "metrics")
	require.NoError(t, s.Write(st))

	select {
	case cur := <-got:
		assert.Equal(t, []string{"core", "metrics"}, cur.Profiles)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the updated state")
	}
}

func TestWatch_DebouncesWriteBursts(t *testing.T) {
	s := newTestStore(t)

	st := New([]string{"core"})
	st.Phase = PhaseComplete
	require.NoError(t, s.Write(st))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	go s.Watch(ctx, func(*InstallationState) {
		atomic.AddInt32(&calls, 1)
	})

	time.Sleep(200 * time.Millisecond)

	// A burst of writes inside the debounce window coalesces into one
	// callback carrying the final state.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(st))
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWatchPolling_DetectsChange(t *testing.T) {
	s := newTestStore(t)

	st := New([]string{"core"})
	st.Phase = PhaseComplete
	require.NoError(t, s.Write(st))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *InstallationState, 1)
	go s.watchPolling(ctx, func(cur *InstallationState) {
		select {
		case got <- cur:
		default:
		}
	})

	time.Sleep(100 * time.Millisecond)
	st.Profiles = append(st.Profiles, "metrics")
	require.NoError(t, s.Write(st))

	select {
	case cur := <-got:
		assert.Contains(t, cur.Profiles, "metrics")
	case <-time.After(6 * time.Second):
		t.Fatal("polling watcher never delivered the updated state")
	}
}

func TestWatch_SkipsUnreadableState(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "installation.json"))

	// deliver on a missing file must not invoke fn.
	called := false
	s.deliver(func(*InstallationState) { called = true })
	assert.False(t, called)
}
