package core

import (
	"sync"
	"time"
)

// TimerKind names a timer per spec.md §4.7. Retransmission/timeout timers
// A, B, D, E, F, K and M are already driven by the sip.ClientTransaction
// this package wraps (see uac.go); TimerService here owns the two timers
// that are genuinely this layer's responsibility — the proxy-only
// provisional watchdog (C) and the Expires-driven auto-cancel — plus the
// linger timers the Call actor schedules once a UAC finishes.
type TimerKind string

const (
	TimerC      TimerKind = "C"
	TimerExpire TimerKind = "expire"
	TimerD      TimerKind = "D"
	TimerK      TimerKind = "K"
	TimerM      TimerKind = "M"
)

// timerCDuration is Timer C's value: RFC 3261 16.6 item 11 requires at
// least 3 minutes, refreshed on every provisional response a branch
// produces and cleared once it reaches a final response.
const timerCDuration = 180 * time.Second

// callTimerID tags a Call-level timer (currently only TimerExpire) in
// TimerService's (txID, kind) keyspace. It never collides with a real
// branch id, which sip.ClientTransaction-backed UACs number from 0.
const callTimerID = -1

type timerKey struct {
	txID int
	kind TimerKind
}

// TimerFireFunc is invoked on the timer's own goroutine; implementations
// must only touch the Call by posting an event (see Call.postTimer),
// never by mutating transaction state directly, preserving the
// single-owner model of spec.md §5.
type TimerFireFunc func(txID int, kind TimerKind)

// TimerService schedules named one-shot timers keyed by (transaction id,
// timer kind), built on time.AfterFunc exactly as
// emiago-sipgo/sip/transaction_client_tx.go schedules timer_a/timer_b,
// generalized into a registry so a single Call owns cancellation for
// every transaction it contains instead of each transaction managing its
// own *time.Timer fields.
type TimerService struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	fire   TimerFireFunc
}

func NewTimerService(fire TimerFireFunc) *TimerService {
	return &TimerService{
		timers: make(map[timerKey]*time.Timer),
		fire:   fire,
	}
}

// Start (re)schedules the timer, replacing any previous instance of the
// same (txID, kind) — this is what gives timer_C its "refresh, dropping
// the previous" behavior in spec.md §4.5.
func (s *TimerService) Start(txID int, kind TimerKind, d time.Duration) {
	key := timerKey{txID, kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[key]
		s.mu.Unlock()
		if !ok || cur == nil {
			return
		}
		s.fire(txID, kind)
	})
}

// Cancel stops the timer if present. Idempotent: cancelling an unknown or
// already-fired key is a no-op.
func (s *TimerService) Cancel(txID int, kind TimerKind) {
	key := timerKey{txID, kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// CancelAll stops every timer owned by a transaction, used when a UAC
// reaches a terminal state and is about to be garbage-collected from the
// Call.
func (s *TimerService) CancelAll(txID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		if key.txID == txID {
			t.Stop()
			delete(s.timers, key)
		}
	}
}
