// Package scheduler keeps the in-process timer table of follow-ups.
//
// Timers are a cache: every pending send can be rebuilt from the follow-up
// store with ReloadPending, which Start runs exactly once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/followup"
	"github.com/foxzi/drip/internal/metrics"
)

// ErrAlreadyStarted is returned by a second call to Start
var ErrAlreadyStarted = errors.New("scheduler already started")

// ScheduledMessage is a rendered step message waiting to be sent
type ScheduledMessage struct {
	FollowUpID string
	MessageID  string
	StepIndex  int
	ClientID   string
	Text       string
	SendAt     time.Time
	TemplateID string
	Category   string
	Stage      string
}

// Processor drives follow-ups when their timers fire
type Processor interface {
	// ProcessStep sends the current step of a follow-up
	ProcessStep(ctx context.Context, followUpID string) error

	// AdvanceStep moves a follow-up to nextIndex and processes it
	AdvanceStep(ctx context.Context, followUpID string, nextIndex int) error
}

// Store is the part of the follow-up store the scheduler reads
type Store interface {
	Get(ctx context.Context, id string) (*followup.FollowUp, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error
	ListPending(ctx context.Context) ([]*followup.FollowUp, error)
	LatestStepMessage(ctx context.Context, followUpID string) (*followup.Message, error)
}

// Options configures a Scheduler
type Options struct {
	Store           Store
	Dispatcher      dispatch.Dispatcher
	Clock           clockwork.Clock
	Logger          *slog.Logger
	DispatchTimeout time.Duration
}

// ReloadResult summarizes a recovery pass
type ReloadResult struct {
	Rearmed     int `json:"rearmed"`
	Reprocessed int `json:"reprocessed"`
	Failed      int `json:"failed"`
}

type entry struct {
	timer clockwork.Timer
	seq   uint64
	at    time.Time
}

// Scheduler arms, fires and cancels follow-up timers
type Scheduler struct {
	store           Store
	dispatcher      dispatch.Dispatcher
	clock           clockwork.Clock
	logger          *slog.Logger
	dispatchTimeout time.Duration

	mu        sync.Mutex
	timers    map[string]*entry
	seq       uint64
	processor Processor
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start before arming timers.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:           opts.Store,
		dispatcher:      opts.Dispatcher,
		clock:           opts.Clock,
		logger:          opts.Logger.With("component", "scheduler"),
		dispatchTimeout: opts.DispatchTimeout,
		timers:          make(map[string]*entry),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start attaches the processor and recovers pending follow-ups from the store
func (s *Scheduler) Start(ctx context.Context, p Processor) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler is shut down")
	}
	s.started = true
	s.processor = p
	s.mu.Unlock()

	res, err := s.ReloadPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload pending follow-ups: %w", err)
	}

	s.logger.Info("scheduler started",
		"rearmed", res.Rearmed,
		"reprocessed", res.Reprocessed,
		"failed", res.Failed,
	)
	return nil
}

// Shutdown stops all timers and waits for running callbacks
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Schedule sends msg at msg.SendAt. Messages due now are dispatched before
// Schedule returns; the dispatch error, if any, is returned.
func (s *Scheduler) Schedule(ctx context.Context, msg *ScheduledMessage) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}

	if msg.SendAt.Sub(s.clock.Now()) <= 0 {
		return msg.MessageID, s.dispatch(ctx, msg)
	}

	s.arm(timerKey(msg.FollowUpID, msg.StepIndex), msg.SendAt, func(ctx context.Context) {
		f, err := s.store.Get(ctx, msg.FollowUpID)
		if err != nil {
			s.logger.Error("failed to load follow-up for delayed send",
				"followup_id", msg.FollowUpID,
				"error", err,
			)
			return
		}
		if f == nil || f.Status != followup.StatusActive {
			s.logger.Debug("skipping delayed send for inactive follow-up", "followup_id", msg.FollowUpID)
			return
		}
		metrics.IncTimerFires("send")
		s.dispatch(ctx, msg)
	})
	return msg.MessageID, nil
}

// Arm schedules AdvanceStep(followUpID, nextIndex) at the given time,
// replacing any timer under the same key.
func (s *Scheduler) Arm(followUpID string, nextIndex int, at time.Time) {
	s.arm(timerKey(followUpID, nextIndex), at, func(ctx context.Context) {
		p := s.getProcessor()
		if p == nil {
			s.logger.Error("timer fired before scheduler start", "followup_id", followUpID)
			return
		}
		metrics.IncTimerFires("advance")
		if err := p.AdvanceStep(ctx, followUpID, nextIndex); err != nil {
			s.logger.Error("advance step failed",
				"followup_id", followUpID,
				"step", nextIndex,
				"error", err,
			)
		}
	})
}

// Cancel stops every timer of a follow-up and returns how many were stopped
func (s *Scheduler) Cancel(followUpID string) int {
	prefix := followUpID + "-"

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.timers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, err := strconv.Atoi(key[len(prefix):]); err != nil {
			continue
		}
		e.timer.Stop()
		delete(s.timers, key)
		n++
	}
	return n
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextFire returns the earliest armed time for a follow-up
func (s *Scheduler) NextFire(followUpID string) (time.Time, bool) {
	prefix := followUpID + "-"

	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for key, e := range s.timers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, err := strconv.Atoi(key[len(prefix):]); err != nil {
			continue
		}
		if !found || e.at.Before(next) {
			next = e.at
			found = true
		}
	}
	return next, found
}

// ReloadPending rebuilds timers for every active follow-up with a next message time.
// Past times are clamped to now. A follow-up whose current step has no logged
// message was interrupted before sending and is processed again.
func (s *Scheduler) ReloadPending(ctx context.Context) (ReloadResult, error) {
	var res ReloadResult

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return res, err
	}

	now := s.clock.Now()
	for _, f := range pending {
		at := *f.NextMessageAt
		if at.Before(now) {
			at = now
		}

		latest, err := s.store.LatestStepMessage(ctx, f.ID)
		if err != nil {
			s.logger.Error("failed to load latest message",
				"followup_id", f.ID,
				"error", err,
			)
			res.Failed++
			continue
		}

		if latest == nil || latest.StepIndex < f.CurrentStep {
			s.reprocess(f.ID, f.CurrentStep)
			res.Reprocessed++
			metrics.IncRecovered("reprocessed")
			continue
		}

		s.Arm(f.ID, f.CurrentStep+1, at)
		res.Rearmed++
		metrics.IncRecovered("rearmed")
	}

	return res, nil
}

// reprocess runs ProcessStep on a timer goroutine
func (s *Scheduler) reprocess(followUpID string, step int) {
	s.arm(timerKey(followUpID, step), s.clock.Now(), func(ctx context.Context) {
		p := s.getProcessor()
		if p == nil {
			return
		}
		metrics.IncTimerFires("process")
		if err := p.ProcessStep(ctx, followUpID); err != nil {
			s.logger.Error("process step failed",
				"followup_id", followUpID,
				"step", step,
				"error", err,
			)
		}
	})
}

func (s *Scheduler) getProcessor() Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processor
}

func (s *Scheduler) arm(key string, at time.Time, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
		delete(s.timers, key)
	}

	s.seq++
	seq := s.seq

	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}

	// The callback may run synchronously on some clocks; hop to a
	// goroutine so it never contends with the lock held here.
	e := &entry{seq: seq, at: at}
	e.timer = s.clock.AfterFunc(d, func() {
		go s.fire(key, seq, fn)
	})
	s.timers[key] = e
}

func (s *Scheduler) fire(key string, seq uint64, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.timers[key]
	if !ok || e.seq != seq {
		// replaced or canceled after the timer expired
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	fn(s.ctx)
}

func (s *Scheduler) dispatch(ctx context.Context, msg *ScheduledMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	err := s.dispatcher.Send(ctx, &dispatch.Message{
		ID:         msg.MessageID,
		FollowUpID: msg.FollowUpID,
		ClientID:   msg.ClientID,
		StepIndex:  msg.StepIndex,
		Text:       msg.Text,
		TemplateID: msg.TemplateID,
		Category:   msg.Category,
		Stage:      msg.Stage,
	})
	if err != nil {
		kind := "permanent"
		if dispatch.IsTemporaryError(err) {
			kind = "temporary"
		}
		metrics.IncDispatchFailures(kind)
		s.logger.Warn("message dispatch failed",
			"followup_id", msg.FollowUpID,
			"message_id", msg.MessageID,
			"step", msg.StepIndex,
			"error", err,
		)
		if !errors.Is(err, dispatch.ErrDispatchFailed) {
			err = fmt.Errorf("%w: %v", dispatch.ErrDispatchFailed, err)
		}
		return err
	}

	metrics.IncMessagesDelivered()
	if err := s.store.MarkDelivered(ctx, msg.MessageID, s.clock.Now()); err != nil {
		s.logger.Error("failed to mark message delivered",
			"followup_id", msg.FollowUpID,
			"message_id", msg.MessageID,
			"error", err,
		)
	}
	return nil
}

func timerKey(followUpID string, step int) string {
	return followUpID + "-" + strconv.Itoa(step)
}
