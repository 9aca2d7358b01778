package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSandbox = []byte("sandbox")

// Capture is a message captured by the sandbox driver
type Capture struct {
	ID           string    `json:"id"`
	FollowUpID   string    `json:"follow_up_id"`
	ClientID     string    `json:"client_id"`
	StepIndex    int       `json:"step"`
	Text         string    `json:"text"`
	Stage        string    `json:"stage,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// CaptureFilter contains filters for listing captures
type CaptureFilter struct {
	ClientID   string
	FollowUpID string
	Limit      int
	Offset     int
}

// SandboxStorage keeps captured messages in a BoltDB bucket
type SandboxStorage struct {
	db *bolt.DB
}

// NewSandboxStorage creates a new sandbox storage using the provided BoltDB instance
func NewSandboxStorage(db *bolt.DB) (*SandboxStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &SandboxStorage{db: db}, nil
}

// Save stores a capture
func (s *SandboxStorage) Save(ctx context.Context, c *Capture) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal capture: %w", err)
		}
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(c.CapturedAt, c.ID), data)
	})
}

// List returns captures matching the filter, newest first
func (s *SandboxStorage) List(ctx context.Context, filter CaptureFilter) ([]*Capture, error) {
	captures := []*Capture{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				continue
			}

			if filter.ClientID != "" && capture.ClientID != filter.ClientID {
				continue
			}
			if filter.FollowUpID != "" && capture.FollowUpID != filter.FollowUpID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			captures = append(captures, &capture)
			if filter.Limit > 0 && len(captures) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return captures, err
}

// Clear removes captures older than olderThan, or all of them when olderThan is zero
func (s *SandboxStorage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if olderThan > 0 {
				var capture Capture
				if err := json.Unmarshal(v, &capture); err == nil && capture.CapturedAt.After(cutoff) {
					continue
				}
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// SandboxDispatcher records messages instead of sending them
type SandboxDispatcher struct {
	storage          *SandboxStorage
	logger           *slog.Logger
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
}

// NewSandboxDispatcher creates a new sandbox dispatcher
func NewSandboxDispatcher(storage *SandboxStorage, logger *slog.Logger) *SandboxDispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SandboxDispatcher{
		storage:          storage,
		logger:           logger,
		errorProbability: 0.1, // 10% error rate when simulation is enabled
	}
}

// SetErrorSimulation enables/disables error simulation
func (d *SandboxDispatcher) SetErrorSimulation(enabled bool, probability float64) {
	d.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		d.errorProbability = probability
	}
}

// Storage returns the capture storage
func (d *SandboxDispatcher) Storage() *SandboxStorage {
	return d.storage
}

// Send captures msg. With error simulation enabled it may fail on purpose.
func (d *SandboxDispatcher) Send(ctx context.Context, msg *Message) error {
	capture := &Capture{
		ID:         msg.ID,
		FollowUpID: msg.FollowUpID,
		ClientID:   msg.ClientID,
		StepIndex:  msg.StepIndex,
		Text:       msg.Text,
		Stage:      msg.Stage,
		CapturedAt: time.Now(),
	}

	if d.simulateErrors && rand.Float64() < d.errorProbability {
		errorTypes := []string{
			"550 Client blocked the sender",
			"451 Temporary failure",
			"429 Too many requests",
			"503 Service not available",
		}
		capture.SimulatedErr = errorTypes[rand.Intn(len(errorTypes))]

		if err := d.storage.Save(ctx, capture); err != nil {
			d.logger.Error("sandbox: failed to save capture", "error", err)
		}

		return &Error{
			Temporary: !strings.HasPrefix(capture.SimulatedErr, "550"),
			Message:   capture.SimulatedErr,
		}
	}

	if err := d.storage.Save(ctx, capture); err != nil {
		return &Error{Temporary: true, Message: fmt.Sprintf("sandbox: failed to save capture: %v", err)}
	}

	d.logger.Info("sandbox: message captured",
		"message_id", msg.ID,
		"follow_up_id", msg.FollowUpID,
		"client_id", msg.ClientID,
		"step", msg.StepIndex,
	)
	return nil
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}
