package connectivity

import (
	"context"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/orrn/printstation/internal/logger"
)

// NetworkSink receives host network signals.
type NetworkSink interface {
	SetNetworkAvailable(up bool)
	Wake()
}

// NetworkWatcher polls the host interfaces and reports up/down changes. It
// also notices wall-clock jumps between polls (suspend/resume) and asks the
// sink for an immediate probe.
type NetworkWatcher struct {
	sink     NetworkSink
	clock    clockwork.Clock
	interval time.Duration
	log      logger.Logger
	// HostUp reports whether the host has a usable network. Replaceable in tests.
	HostUp func() bool
}

func NewNetworkWatcher(sink NetworkSink, interval time.Duration, log logger.Logger, clock clockwork.Clock) *NetworkWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NetworkWatcher{
		sink:     sink,
		clock:    clock,
		interval: interval,
		log:      log,
		HostUp:   HostNetworkUp,
	}
}

// Run blocks until ctx is done.
func (w *NetworkWatcher) Run(ctx context.Context) {
	up := w.HostUp()
	w.sink.SetNetworkAvailable(up)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	last := w.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := w.clock.Now()
			// Round(0) strips the monotonic reading so a suspended host shows
			// up as a gap in wall time.
			gap := now.Round(0).Sub(last.Round(0))
			last = now

			current := w.HostUp()
			if current != up {
				up = current
				w.log.Info("host network changed", logger.Bool("up", up))
				w.sink.SetNetworkAvailable(up)
				continue
			}

			if up && gap > 2*w.interval+time.Second {
				w.log.Info("clock jump detected, probing backend", logger.Duration("gap", gap))
				w.sink.Wake()
			}
		}
	}
}

// HostNetworkUp is true when some interface is up, not loopback, and holds a
// routable unicast address.
func HostNetworkUp() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() {
				return true
			}
		}
	}
	return false
}
