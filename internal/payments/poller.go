package payments

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Onboarding poll defaults: every 5 seconds for at most 5 minutes
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 60
)

// PollResult is how a poll ended
type PollResult string

const (
	PollRunning   PollResult = ""
	PollCompleted PollResult = "completed"
	PollGaveUp    PollResult = "gave_up"
	PollCancelled PollResult = "cancelled"
)

// PollConfig bounds a poll
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

// PollHandle controls a running poll. Cancel is safe to call at any time and
// from any goroutine.
type PollHandle struct {
	mu       sync.Mutex
	clock    Clock
	cfg      PollConfig
	check    func(ctx context.Context) (bool, error)
	success  func()
	log      *logrus.Entry
	ctx      context.Context
	cancel   context.CancelFunc
	timer    Timer
	attempts int
	result   PollResult
	done     chan struct{}
}

// Poll runs check every cfg.Interval until it reports true, cfg.MaxAttempts
// checks have been made, or the handle is cancelled. Check errors count as
// an attempt. Giving up is silent. success runs once, only if the poll was
// still live when check reported true.
func Poll(clock Clock, cfg PollConfig, check func(ctx context.Context) (bool, error), success func(), logger *logrus.Entry) *PollHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &PollHandle{
		clock:   clock,
		cfg:     cfg.withDefaults(),
		check:   check,
		success: success,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.timer = clock.AfterFunc(h.cfg.Interval, h.tick)
	h.mu.Unlock()
	return h
}

func (h *PollHandle) tick() {
	h.mu.Lock()
	if h.result != PollRunning {
		h.mu.Unlock()
		return
	}
	h.attempts++
	attempt := h.attempts
	h.mu.Unlock()

	ok, err := h.check(h.ctx)
	if err != nil {
		h.log.WithError(err).WithField("attempt", attempt).Debug("status check failed")
	}

	h.mu.Lock()
	if h.result != PollRunning {
		h.mu.Unlock()
		return
	}
	switch {
	case ok && err == nil:
		h.finishLocked(PollCompleted)
		h.mu.Unlock()
		if h.success != nil {
			h.success()
		}
		return
	case attempt >= h.cfg.MaxAttempts:
		h.log.WithField("attempts", attempt).Debug("polling gave up")
		h.finishLocked(PollGaveUp)
	default:
		h.timer = h.clock.AfterFunc(h.cfg.Interval, h.tick)
	}
	h.mu.Unlock()
}

func (h *PollHandle) finishLocked(result PollResult) {
	h.result = result
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.cancel()
	close(h.done)
}

// Cancel stops the poll. No check runs after Cancel returns, except one
// already executing.
func (h *PollHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result != PollRunning {
		return
	}
	h.finishLocked(PollCancelled)
}

// Done is closed when the poll ends for any reason
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns how the poll ended, or PollRunning
func (h *PollHandle) Result() PollResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Attempts returns the number of checks started so far
func (h *PollHandle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// PollOnboarding polls a chapter's account until charges are enabled and
// then calls onComplete once.
func PollOnboarding(clock Clock, cfg PollConfig, source AccountStatusSource, chapterID uint, onComplete func(AccountStatus), logger *logrus.Logger) *PollHandle {
	log := logger.WithFields(logrus.Fields{"component": "onboarding_poll", "chapter_id": chapterID})
	var last AccountStatus
	check := func(ctx context.Context) (bool, error) {
		status, err := source.GetAccountStatus(ctx, chapterID)
		if err != nil {
			return false, err
		}
		last = status
		return status.OnboardingComplete && status.ChargesEnabled, nil
	}
	return Poll(clock, cfg, check, func() {
		if onComplete != nil {
			onComplete(last)
		}
	}, log)
}
