package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ravenclaw-b/deepalts/internal/config"
	"github.com/ravenclaw-b/deepalts/internal/observability"
)

// Dirty-section bits. A save flushes only the sections marked since the
// last flush.
const (
	dirtyIdentity uint8 = 1 << iota
	dirtyGraph
	dirtyReputation
)

// saver coalesces bursts of state changes into debounced store writes. Each
// markDirty re-arms a short debounce timer; a max-delay cap guarantees a
// flush even under a constant write stream. Cancellation of the run context
// triggers one final synchronous flush.
type saver struct {
	d        *Detector
	debounce time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	pending uint8
	kick    chan struct{}
}

func newSaver(d *Detector, cfg config.PersistenceConfig) *saver {
	debounce := time.Duration(cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	if maxDelay < debounce {
		maxDelay = debounce
	}
	return &saver{
		d:        d,
		debounce: debounce,
		maxDelay: maxDelay,
		kick:     make(chan struct{}, 1),
	}
}

// markDirty flags sections for the next flush and nudges the worker.
func (s *saver) markDirty(mask uint8) {
	s.mu.Lock()
	s.pending |= mask
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *saver) takePending() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mask := s.pending
	s.pending = 0
	return mask
}

// run is the save worker loop.
func (s *saver) run(ctx context.Context) {
	var (
		timer    *time.Timer
		deadline time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}

	for {
		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer()
			if mask := s.takePending(); mask != 0 {
				if err := s.flush(mask); err != nil {
					log.Error().Err(err).Msg("service: final save failed")
				}
			}
			return

		case <-s.kick:
			now := time.Now()
			if timer == nil {
				deadline = now.Add(s.maxDelay)
				timer = time.NewTimer(s.debounce)
				continue
			}
			// Re-arm the debounce, but never push past the max-delay cap.
			wait := s.debounce
			if remaining := deadline.Sub(now); remaining < wait {
				wait = remaining
				if wait < 0 {
					wait = 0
				}
			}
			stopTimer()
			timer = time.NewTimer(wait)

		case <-fire:
			stopTimer()
			if mask := s.takePending(); mask != 0 {
				if err := s.flush(mask); err != nil {
					log.Error().Err(err).Msg("service: save failed")
				}
			}
		}
	}
}

// flush writes the marked sections to the store.
func (s *saver) flush(mask uint8) error {
	start := time.Now()
	var firstErr error

	if mask&dirtyIdentity != 0 {
		if err := s.d.store.SaveIdentity(s.d.ledger.SnapshotHistory(), s.d.ledger.SnapshotLatest()); err != nil {
			firstErr = err
		}
	}
	if mask&dirtyGraph != 0 {
		if err := s.d.store.SaveGraph(s.d.graph.Snapshot()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if mask&dirtyReputation != 0 {
		if err := s.d.store.SaveReputation(s.d.cache.Snapshot()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		s.d.registry.GetCounter(observability.MetricSaveErrors).Inc()
		return firstErr
	}
	s.d.registry.GetCounter(observability.MetricSaveFlushes).Inc()
	log.Debug().
		Uint8("sections", mask).
		Dur("took", time.Since(start)).
		Msg("service: state flushed")
	return nil
}
