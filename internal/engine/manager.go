// Package engine drives follow-ups through their campaign steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/delay"
	"github.com/foxzi/drip/internal/followup"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/scheduler"
)

// CampaignReader loads campaign definitions
type CampaignReader interface {
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
}

// Timers is the scheduler surface used by the manager
type Timers interface {
	Schedule(ctx context.Context, msg *scheduler.ScheduledMessage) (string, error)
	Arm(followUpID string, nextIndex int, at time.Time)
	Cancel(followUpID string) int
}

// Options configures a Manager
type Options struct {
	FollowUps      followup.Store
	Campaigns      CampaignReader
	Timers         Timers
	Clock          clockwork.Clock
	Parser         *delay.Parser
	Logger         *slog.Logger
	RecentMessages int
}

// CreateRequest starts a campaign for a client
type CreateRequest struct {
	ClientID   string
	CampaignID string
	Metadata   map[string]any
}

// CancelResult is returned by Cancel
type CancelResult struct {
	FollowUp        *followup.FollowUp `json:"follow_up"`
	AlreadyCanceled bool               `json:"already_canceled"`
}

// Progress is the position of a follow-up in its campaign
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Status is a follow-up with its recent message log and progress
type Status struct {
	FollowUp *followup.FollowUp  `json:"follow_up"`
	Campaign string              `json:"campaign_name,omitempty"`
	Messages []*followup.Message `json:"messages"`
	Progress Progress            `json:"progress"`
}

// Manager is the follow-up state machine
type Manager struct {
	followups followup.Store
	campaigns CampaignReader
	timers    Timers
	clock     clockwork.Clock
	parser    *delay.Parser
	logger    *slog.Logger
	recent    int
	locks     *keyedMutex
}

// NewManager creates a new follow-up manager
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With("component", "engine")
	if opts.Parser == nil {
		opts.Parser = delay.NewParser(delay.DefaultWait, logger, func(string) {
			metrics.IncDurationFallbacks()
		})
	}
	if opts.RecentMessages <= 0 {
		opts.RecentMessages = 10
	}

	return &Manager{
		followups: opts.FollowUps,
		campaigns: opts.Campaigns,
		timers:    opts.Timers,
		clock:     opts.Clock,
		parser:    opts.Parser,
		logger:    logger,
		recent:    opts.RecentMessages,
		locks:     newKeyedMutex(),
	}
}

// Create starts a follow-up for a client and sends its first step
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*followup.FollowUp, error) {
	if req.ClientID == "" || req.CampaignID == "" {
		return nil, fmt.Errorf("%w: client_id and campaign_id are required", ErrInvalidRequest)
	}

	unlock := m.locks.Lock("client:" + req.ClientID + "/" + req.CampaignID)
	defer unlock()

	if _, err := m.loadCampaign(ctx, req.CampaignID); err != nil {
		return nil, err
	}

	existing, err := m.followups.ByClient(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, f := range existing {
		if f.CampaignID == req.CampaignID && !f.Status.Terminal() {
			return nil, fmt.Errorf("%w: client %s already has follow-up %s for campaign %s",
				ErrAlreadyExists, req.ClientID, f.ID, req.CampaignID)
		}
	}

	now := m.clock.Now()
	f := &followup.FollowUp{
		ID:            uuid.New().String(),
		CampaignID:    req.CampaignID,
		ClientID:      req.ClientID,
		CurrentStep:   0,
		Status:        followup.StatusActive,
		StartedAt:     now,
		NextMessageAt: &now,
		Metadata:      req.Metadata,
		UpdatedAt:     now,
	}
	if err := m.followups.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.IncFollowUpsCreated()
	m.logger.Info("follow-up created",
		"followup_id", f.ID,
		"client_id", f.ClientID,
		"campaign_id", f.CampaignID,
	)

	if err := m.ProcessStep(ctx, f.ID); err != nil {
		return nil, err
	}
	return m.load(ctx, f.ID)
}

// ProcessStep sends the current step of an active follow-up and arms the
// advance to the next one. Past the last step the follow-up completes.
func (m *Manager) ProcessStep(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	f, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if f.Status != followup.StatusActive {
		m.logger.Debug("skipping step of inactive follow-up", "followup_id", id, "status", f.Status)
		return nil
	}

	c, err := m.loadCampaign(ctx, f.CampaignID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	step, ok := c.StepAt(f.CurrentStep)
	if !ok {
		return m.complete(ctx, f, now)
	}

	wait := m.parser.Parse(step.WaitDuration)
	next := now.Add(wait)

	f.NextMessageAt = &next
	f.UpdatedAt = now
	if step.StageID != "" {
		stage := step.StageID
		f.CurrentStageID = &stage
	}

	msg := &followup.Message{
		ID:         uuid.New().String(),
		FollowUpID: f.ID,
		StepIndex:  f.CurrentStep,
		Content:    render(step.Message, f, c, step),
		SentAt:     now,
		TemplateID: step.TemplateID,
		Category:   step.Category,
		Stage:      step.Stage,
	}
	if err := m.followups.SaveStep(ctx, f, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.timers.Arm(f.ID, f.CurrentStep+1, next)
	unlock()

	m.logger.Info("step processed",
		"followup_id", f.ID,
		"step", f.CurrentStep,
		"next_message_at", next,
	)

	// Dispatch failures are recorded by the undelivered row and not retried.
	if _, err := m.timers.Schedule(ctx, &scheduler.ScheduledMessage{
		FollowUpID: f.ID,
		MessageID:  msg.ID,
		StepIndex:  msg.StepIndex,
		ClientID:   f.ClientID,
		Text:       msg.Content,
		SendAt:     now,
		TemplateID: step.TemplateID,
		Category:   step.Category,
		Stage:      step.Stage,
	}); err != nil {
		m.logger.Debug("step message left undelivered", "followup_id", f.ID, "message_id", msg.ID, "error", err)
	}
	return nil
}

// AdvanceStep runs when a step's wait elapses. It moves an active follow-up to
// nextIndex unless the client replied in the meantime.
func (m *Manager) AdvanceStep(ctx context.Context, id string, nextIndex int) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	f, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if f.Status != followup.StatusActive {
		m.logger.Debug("advance preempted", "followup_id", id, "status", f.Status)
		return nil
	}

	now := m.clock.Now()
	if f.IsResponsive {
		f.Status = followup.StatusPaused
		f.NextMessageAt = nil
		f.UpdatedAt = now
		if err := m.followups.Update(ctx, f); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		metrics.IncTransitions(string(followup.StatusPaused))
		return nil
	}

	if nextIndex <= f.CurrentStep {
		m.logger.Debug("stale advance ignored", "followup_id", id, "step", nextIndex, "current_step", f.CurrentStep)
		return nil
	}

	f.CurrentStep = nextIndex
	f.UpdatedAt = now
	if err := m.followups.Update(ctx, f); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	unlock()

	return m.ProcessStep(ctx, id)
}

// Advance skips to the next step of an active or paused follow-up
func (m *Manager) Advance(ctx context.Context, id string) (*followup.FollowUp, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	f, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != followup.StatusActive && f.Status != followup.StatusPaused {
		return nil, fmt.Errorf("%w: cannot advance %s follow-up", ErrInvalidState, f.Status)
	}

	c, err := m.loadCampaign(ctx, f.CampaignID)
	if err != nil {
		return nil, err
	}

	m.timers.Cancel(id)

	now := m.clock.Now()
	f.CurrentStep++
	f.IsResponsive = false
	f.NextMessageAt = &now
	f.Status = followup.StatusActive
	f.UpdatedAt = now

	if f.CurrentStep >= len(c.Steps) {
		if err := m.complete(ctx, f, now); err != nil {
			return nil, err
		}
		return f, nil
	}

	if err := m.followups.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	unlock()

	if err := m.ProcessStep(ctx, id); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

// Resume restarts a paused follow-up from its current step
func (m *Manager) Resume(ctx context.Context, id string) (*followup.FollowUp, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	f, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != followup.StatusPaused {
		return nil, fmt.Errorf("%w: only paused follow-ups can be resumed, got %s", ErrInvalidState, f.Status)
	}

	m.timers.Cancel(id)

	now := m.clock.Now()
	f.IsResponsive = false
	f.NextMessageAt = &now
	f.Status = followup.StatusActive
	f.UpdatedAt = now
	if err := m.followups.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metrics.IncTransitions(string(followup.StatusActive))
	unlock()

	m.logger.Info("follow-up resumed", "followup_id", id, "step", f.CurrentStep)

	if err := m.ProcessStep(ctx, id); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

// Cancel stops a follow-up for good. Canceling twice is not an error.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*CancelResult, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	f, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch f.Status {
	case followup.StatusCanceled:
		return &CancelResult{FollowUp: f, AlreadyCanceled: true}, nil
	case followup.StatusCompleted:
		return nil, fmt.Errorf("%w: follow-up already completed", ErrInvalidState)
	}

	m.timers.Cancel(id)

	now := m.clock.Now()
	f.Status = followup.StatusCanceled
	f.CompletedAt = &now
	f.NextMessageAt = nil
	f.UpdatedAt = now
	if reason != "" {
		if f.Metadata == nil {
			f.Metadata = make(map[string]any)
		}
		f.Metadata["cancel_reason"] = reason
	}
	if err := m.followups.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.IncTransitions(string(followup.StatusCanceled))
	m.logger.Info("follow-up canceled", "followup_id", id, "reason", reason)
	return &CancelResult{FollowUp: f}, nil
}

// HandleClientResponse pauses every running follow-up of a client and logs the
// reply. It returns the number of follow-ups touched. A failure on one follow-up
// does not stop the others; the failures are joined.
func (m *Manager) HandleClientResponse(ctx context.Context, clientID, text string) (int, error) {
	list, err := m.followups.ByClient(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	touched := 0
	var errs []error
	for _, candidate := range list {
		if candidate.Status.Terminal() {
			continue
		}
		ok, err := m.recordResponse(ctx, candidate.ID, text)
		if err != nil {
			m.logger.Warn("failed to record client response", "followup_id", candidate.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			touched++
		}
	}
	return touched, errors.Join(errs...)
}

func (m *Manager) recordResponse(ctx context.Context, id, text string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	f, err := m.followups.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if f == nil || f.Status.Terminal() {
		return false, nil
	}

	now := m.clock.Now()
	f.IsResponsive = true
	f.UpdatedAt = now
	if f.Status == followup.StatusActive {
		m.timers.Cancel(id)
		f.Status = followup.StatusPaused
		f.NextMessageAt = nil
		metrics.IncTransitions(string(followup.StatusPaused))
	}

	reply := &followup.Message{
		ID:          uuid.New().String(),
		FollowUpID:  f.ID,
		StepIndex:   followup.InboundStep,
		Content:     text,
		SentAt:      now,
		Delivered:   true,
		DeliveredAt: &now,
	}
	if err := m.followups.SaveStep(ctx, f, reply); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.logger.Info("client responded", "followup_id", f.ID, "client_id", f.ClientID, "step", f.CurrentStep)
	return true, nil
}

// OnClientMessage handles an inbound client message
func (m *Manager) OnClientMessage(ctx context.Context, clientID, text string) (int, error) {
	if clientID == "" {
		return 0, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	return m.HandleClientResponse(ctx, clientID, text)
}

// Status returns a follow-up with its recent messages and progress
func (m *Manager) Status(ctx context.Context, id string) (*Status, error) {
	f, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	msgs, err := m.followups.Messages(ctx, id, m.recent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if msgs == nil {
		msgs = []*followup.Message{}
	}

	st := &Status{FollowUp: f, Messages: msgs}

	c, err := m.campaigns.Get(ctx, f.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if c != nil {
		st.Campaign = c.Name
		st.Progress = progress(f, len(c.Steps))
	}
	return st, nil
}

// List returns follow-ups matching the filter
func (m *Manager) List(ctx context.Context, filter followup.ListFilter) ([]*followup.FollowUp, error) {
	list, err := m.followups.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return list, nil
}

// Stats returns follow-up counters
func (m *Manager) Stats(ctx context.Context) (*followup.Stats, error) {
	stats, err := m.followups.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return stats, nil
}

// RemoveClient deletes all follow-ups and messages of a client and cancels their timers
func (m *Manager) RemoveClient(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return 0, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	list, err := m.followups.ByClient(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	removed := 0
	for _, f := range list {
		unlock := m.locks.Lock(f.ID)
		m.timers.Cancel(f.ID)
		err := m.followups.Delete(ctx, f.ID)
		unlock()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		removed++
	}

	m.logger.Info("client removed", "client_id", clientID, "followups", removed)
	return removed, nil
}

func (m *Manager) complete(ctx context.Context, f *followup.FollowUp, now time.Time) error {
	m.timers.Cancel(f.ID)

	f.Status = followup.StatusCompleted
	f.CompletedAt = &now
	f.NextMessageAt = nil
	f.UpdatedAt = now
	if err := m.followups.Update(ctx, f); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.IncTransitions(string(followup.StatusCompleted))
	m.logger.Info("follow-up completed", "followup_id", f.ID, "steps", f.CurrentStep)
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (*followup.FollowUp, error) {
	f, err := m.followups.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: follow-up %s", ErrNotFound, id)
	}
	return f, nil
}

func (m *Manager) loadCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := m.campaigns.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, id)
	}
	return c, nil
}

func progress(f *followup.FollowUp, total int) Progress {
	current := f.CurrentStep
	if current > total {
		current = total
	}
	p := Progress{Current: current, Total: total}
	if total > 0 {
		p.Percent = math.Round(float64(current)/float64(total)*1000) / 10
	}
	return p
}

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// render substitutes {{name}} placeholders; unknown names are kept as is
func render(template string, f *followup.FollowUp, c *campaign.Campaign, step campaign.Step) string {
	if template == "" {
		return template
	}

	vars := map[string]string{
		"client_id":     f.ClientID,
		"campaign_name": c.Name,
		"step":          strconv.Itoa(f.CurrentStep + 1),
		"stage":         step.Stage,
	}
	for k, v := range f.Metadata {
		if _, reserved := vars[k]; reserved {
			continue
		}
		vars[k] = fmt.Sprint(v)
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
