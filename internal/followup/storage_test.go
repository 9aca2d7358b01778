package followup

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStorage(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	next := now.Add(10 * time.Minute)
	f := &FollowUp{
		CampaignID:    "camp-1",
		ClientID:      "client-1",
		Status:        StatusActive,
		StartedAt:     now,
		NextMessageAt: &next,
		UpdatedAt:     now,
	}

	if err := s.Create(ctx, f); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if f.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	// Duplicate ID
	if err := s.Create(ctx, f); err == nil {
		t.Error("Create() expected error for duplicate ID")
	}

	got, err := s.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.ClientID != "client-1" || got.Status != StatusActive {
		t.Errorf("Get() = %+v", got)
	}
	if got.NextMessageAt == nil || !got.NextMessageAt.Equal(next) {
		t.Errorf("Get().NextMessageAt = %v, want %v", got.NextMessageAt, next)
	}

	notFound, err := s.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if notFound != nil {
		t.Error("Get() expected nil for nonexistent follow-up")
	}

	got.Status = StatusPaused
	got.NextMessageAt = nil
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	updated, _ := s.Get(ctx, f.ID)
	if updated.Status != StatusPaused || updated.NextMessageAt != nil {
		t.Errorf("after Update = %+v", updated)
	}

	if err := s.Update(ctx, &FollowUp{ID: "nonexistent"}); err == nil {
		t.Error("Update() expected error for nonexistent follow-up")
	}
}

func TestBoltStorageSaveStep(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	f := &FollowUp{CampaignID: "c", ClientID: "cl", Status: StatusActive, StartedAt: time.Now()}
	if err := s.Create(ctx, f); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f.CurrentStep = 1
	msg := &Message{FollowUpID: f.ID, StepIndex: 0, Content: "hello", SentAt: time.Now()}
	if err := s.SaveStep(ctx, f, msg); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}
	if msg.ID == "" {
		t.Error("SaveStep() did not assign a message ID")
	}

	got, _ := s.Get(ctx, f.ID)
	if got.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", got.CurrentStep)
	}

	// SaveStep on a removed follow-up must not write anything
	orphan := &FollowUp{ID: "gone"}
	if err := s.SaveStep(ctx, orphan, &Message{FollowUpID: "gone", Content: "x"}); err == nil {
		t.Error("SaveStep() expected error for nonexistent follow-up")
	}
	msgs, _ := s.Messages(ctx, "gone", 0)
	if len(msgs) != 0 {
		t.Errorf("orphan messages = %d, want 0", len(msgs))
	}
}

func TestBoltStorageMessages(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	f := &FollowUp{CampaignID: "c", ClientID: "cl", Status: StatusActive, StartedAt: time.Now()}
	s.Create(ctx, f)

	for i, content := range []string{"first", "second"} {
		if err := s.AppendMessage(ctx, &Message{FollowUpID: f.ID, StepIndex: i, Content: content}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	reply := &Message{FollowUpID: f.ID, StepIndex: InboundStep, Content: "reply"}
	if err := s.AppendMessage(ctx, reply); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := s.Messages(ctx, f.ID, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "reply" || msgs[2].Content != "first" {
		t.Errorf("Messages() order = %s, %s, %s", msgs[0].Content, msgs[1].Content, msgs[2].Content)
	}

	limited, _ := s.Messages(ctx, f.ID, 2)
	if len(limited) != 2 || limited[1].Content != "second" {
		t.Errorf("Messages(limit 2) = %d entries", len(limited))
	}

	latest, err := s.LatestStepMessage(ctx, f.ID)
	if err != nil {
		t.Fatalf("LatestStepMessage() error = %v", err)
	}
	if latest == nil || latest.StepIndex != 1 {
		t.Errorf("LatestStepMessage() = %+v, want step 1", latest)
	}

	none, _ := s.LatestStepMessage(ctx, "other")
	if none != nil {
		t.Error("LatestStepMessage() expected nil for follow-up without messages")
	}

	deliveredAt := time.Now().UTC()
	if err := s.MarkDelivered(ctx, msgs[1].ID, deliveredAt); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	msgs, _ = s.Messages(ctx, f.ID, 0)
	if !msgs[1].Delivered || msgs[1].DeliveredAt == nil {
		t.Errorf("message not marked delivered: %+v", msgs[1])
	}
	if err := s.MarkDelivered(ctx, "nonexistent", deliveredAt); err == nil {
		t.Error("MarkDelivered() expected error for nonexistent message")
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Messages != 3 || stats.Undelivered != 1 || stats.Active != 1 || stats.Total != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestBoltStorageListAndPending(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC()
	later := base.Add(time.Hour)
	sooner := base.Add(time.Minute)

	records := []*FollowUp{
		{ID: "a", CampaignID: "c1", ClientID: "x", Status: StatusActive, StartedAt: base, NextMessageAt: &later},
		{ID: "b", CampaignID: "c1", ClientID: "y", Status: StatusActive, StartedAt: base.Add(time.Second), NextMessageAt: &sooner},
		{ID: "c", CampaignID: "c2", ClientID: "x", Status: StatusPaused, StartedAt: base.Add(2 * time.Second)},
		{ID: "d", CampaignID: "c2", ClientID: "z", Status: StatusCompleted, StartedAt: base.Add(3 * time.Second)},
	}
	for _, f := range records {
		if err := s.Create(ctx, f); err != nil {
			t.Fatalf("Create(%s) error = %v", f.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"all newest first", ListFilter{}, []string{"d", "c", "b", "a"}},
		{"by status", ListFilter{Status: StatusActive}, []string{"b", "a"}},
		{"by client", ListFilter{ClientID: "x"}, []string{"c", "a"}},
		{"by campaign", ListFilter{CampaignID: "c2"}, []string{"d", "c"}},
		{"limit offset", ListFilter{Limit: 2, Offset: 1}, []string{"c", "b"}},
		{"offset past end", ListFilter{Offset: 10}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() len = %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "b" || pending[1].ID != "a" {
		t.Errorf("ListPending() = %v", pending)
	}

	byClient, err := s.ByClient(ctx, "x")
	if err != nil {
		t.Fatalf("ByClient() error = %v", err)
	}
	if len(byClient) != 2 {
		t.Errorf("ByClient(x) len = %d, want 2", len(byClient))
	}
}

func TestBoltStorageDelete(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	f := &FollowUp{ID: "del", CampaignID: "c", ClientID: "cl", Status: StatusActive, StartedAt: time.Now()}
	s.Create(ctx, f)
	msg := &Message{FollowUpID: "del", StepIndex: 0, Content: "m"}
	s.AppendMessage(ctx, msg)

	// Neighbouring follow-up sharing an ID prefix must survive
	other := &FollowUp{ID: "del2", CampaignID: "c", ClientID: "cl", Status: StatusActive, StartedAt: time.Now()}
	s.Create(ctx, other)
	s.AppendMessage(ctx, &Message{FollowUpID: "del2", StepIndex: 0, Content: "keep"})

	if err := s.Delete(ctx, "del"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, _ := s.Get(ctx, "del")
	if got != nil {
		t.Error("follow-up should be deleted")
	}
	msgs, _ := s.Messages(ctx, "del", 0)
	if len(msgs) != 0 {
		t.Errorf("messages after Delete = %d, want 0", len(msgs))
	}
	if err := s.MarkDelivered(ctx, msg.ID, time.Now()); err == nil {
		t.Error("message index should be purged")
	}

	byClient, _ := s.ByClient(ctx, "cl")
	if len(byClient) != 1 || byClient[0].ID != "del2" {
		t.Errorf("ByClient() after Delete = %v", byClient)
	}
	kept, _ := s.Messages(ctx, "del2", 0)
	if len(kept) != 1 {
		t.Errorf("neighbour messages = %d, want 1", len(kept))
	}

	// Deleting twice is a no-op
	if err := s.Delete(ctx, "del"); err != nil {
		t.Errorf("Delete() second call error = %v", err)
	}
}

func TestBoltStorageRecordEvent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	fresh, err := s.RecordEvent(ctx, "evt-1", time.Now())
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if !fresh {
		t.Error("RecordEvent() first call should report new event")
	}

	fresh, _ = s.RecordEvent(ctx, "evt-1", time.Now())
	if fresh {
		t.Error("RecordEvent() second call should report duplicate")
	}

	if err := s.ForgetEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("ForgetEvent() error = %v", err)
	}
	fresh, _ = s.RecordEvent(ctx, "evt-1", time.Now())
	if !fresh {
		t.Error("RecordEvent() after ForgetEvent should report new event")
	}
}

func TestBoltStorageReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	s.Create(ctx, &FollowUp{ID: "persist", ClientID: "c", Status: StatusActive, StartedAt: time.Now()})
	s.AppendMessage(ctx, &Message{FollowUpID: "persist", StepIndex: 0, Content: "m"})
	s.Close()

	s, err = NewBoltStorage(path)
	if err != nil {
		t.Fatalf("NewBoltStorage() reopen error = %v", err)
	}
	defer s.Close()

	got, _ := s.Get(ctx, "persist")
	if got == nil {
		t.Fatal("follow-up lost after reopen")
	}
	latest, _ := s.LatestStepMessage(ctx, "persist")
	if latest == nil || latest.Content != "m" {
		t.Errorf("LatestStepMessage() after reopen = %+v", latest)
	}
}
