package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brojonat/dccwallet/service/metrics"
)

// PresenceDetector is the slice of Connector the probe needs.
type PresenceDetector interface {
	DetectPresence(ctx context.Context) (bool, error)
}

// Probe polls for the extension on a fixed interval with a fixed attempt
// budget. Each check is given at most one interval to answer. It emits StateFound or StateNotFound exactly once, then stops for
// good. A probe is single use.
type Probe struct {
	detector PresenceDetector
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewProbe creates a probe. A nil clock uses the wall clock.
func NewProbe(detector PresenceDetector, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Probe {
	if clk == nil {
		clk = clock.New()
	}
	return &Probe{
		detector: detector,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// Start begins polling. The returned channel receives one terminal state and
// is then closed; it is closed without a value if the probe is cancelled
// through ctx or Stop. Calling Start twice returns a closed channel.
func (p *Probe) Start(ctx context.Context, maxAttempts int, interval time.Duration) <-chan ConnectionState {
	out := make(chan ConnectionState, 1)

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		close(out)
		return out
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// the ticker must exist before Start returns so no tick is missed
	ticker := p.clock.Ticker(interval)

	p.logger.DebugContext(ctx, "starting connector probe",
		"max_attempts", maxAttempts,
		"interval", interval,
	)

	go func() {
		defer close(p.done)
		defer cancel()
		defer close(out)
		defer ticker.Stop()

		attempts := 0
		for {
			select {
			case <-ctx.Done():
				p.logger.DebugContext(ctx, "connector probe cancelled", "attempts", attempts)
				return
			case <-ticker.C:
			}

			attempts++
			p.metrics.RecordProbeAttempt()
			checkCtx, cancelCheck := p.clock.WithTimeout(ctx, interval)
			present, err := p.detector.DetectPresence(checkCtx)
			cancelCheck()
			if err != nil {
				p.logger.DebugContext(ctx, "connector presence check failed",
					"attempt", attempts,
					"error", err,
				)
			}
			if present {
				p.logger.InfoContext(ctx, "connector found", "attempt", attempts)
				p.metrics.RecordProbeResult("found")
				out <- StateFound
				return
			}
			if attempts >= maxAttempts {
				p.logger.WarnContext(ctx, "connector not found, giving up",
					"attempts", attempts,
				)
				p.metrics.RecordProbeResult("not_found")
				out <- StateNotFound
				return
			}
		}
	}()

	return out
}

// Stop cancels a running probe and waits for it to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
