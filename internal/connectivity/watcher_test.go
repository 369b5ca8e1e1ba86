package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printstation/internal/logger"
)

type recordingSink struct {
	mu    sync.Mutex
	ups   []bool
	wakes int
}

func (s *recordingSink) SetNetworkAvailable(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ups = append(s.ups, up)
}

func (s *recordingSink) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakes++
}

func (s *recordingSink) snapshot() ([]bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.ups...), s.wakes
}

func TestNetworkWatcher(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	var hostUp atomic.Bool
	hostUp.Store(true)

	w := NewNetworkWatcher(sink, 5*time.Second, logger.Nop(), clock)
	w.HostUp = hostUp.Load

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		ups, _ := sink.snapshot()
		return len(ups) == 1
	}, time.Second, time.Millisecond)
	clock.BlockUntil(1)

	hostUp.Store(false)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		ups, _ := sink.snapshot()
		return len(ups) == 2
	}, time.Second, time.Millisecond)

	ups, wakes := sink.snapshot()
	assert.Equal(t, []bool{true, false}, ups)
	assert.Zero(t, wakes)

	hostUp.Store(true)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		ups, _ := sink.snapshot()
		return len(ups) == 3
	}, time.Second, time.Millisecond)

	// A long gap between ticks looks like the host was suspended.
	clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool {
		_, wakes := sink.snapshot()
		return wakes == 1
	}, time.Second, time.Millisecond)
}
