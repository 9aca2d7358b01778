package followup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFollowUps    = []byte("followups")
	bucketClientIndex  = []byte("client_index")
	bucketMessages     = []byte("messages")
	bucketMessageIndex = []byte("message_index")
	bucketEvents       = []byte("inbound_events")
)

const keySep = 0x00

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db   *bolt.DB
	path string
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFollowUps, bucketClientIndex, bucketMessages, bucketMessageIndex, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, path: path}, nil
}

// Create stores a new follow-up, assigning an ID when empty
func (s *BoltStorage) Create(ctx context.Context, f *FollowUp) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFollowUps)
		if b.Get([]byte(f.ID)) != nil {
			return fmt.Errorf("follow-up %s already exists", f.ID)
		}
		if err := putFollowUp(b, f); err != nil {
			return err
		}
		return tx.Bucket(bucketClientIndex).Put(clientKey(f.ClientID, f.ID), []byte(f.CampaignID))
	})
}

// Get retrieves a follow-up by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*FollowUp, error) {
	var f *FollowUp

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFollowUps).Get([]byte(id))
		if data == nil {
			return nil
		}
		f = &FollowUp{}
		return json.Unmarshal(data, f)
	})

	return f, err
}

// Update overwrites an existing follow-up
func (s *BoltStorage) Update(ctx context.Context, f *FollowUp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFollowUps)
		if b.Get([]byte(f.ID)) == nil {
			return fmt.Errorf("follow-up %s not found", f.ID)
		}
		return putFollowUp(b, f)
	})
}

// SaveStep updates the follow-up and appends msg in one transaction
func (s *BoltStorage) SaveStep(ctx context.Context, f *FollowUp, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFollowUps)
		if b.Get([]byte(f.ID)) == nil {
			return fmt.Errorf("follow-up %s not found", f.ID)
		}
		if err := putFollowUp(b, f); err != nil {
			return err
		}
		return appendMessage(tx, msg)
	})
}

// Delete removes a follow-up, its client index entry and all of its messages
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFollowUps)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}

		var f FollowUp
		if err := json.Unmarshal(data, &f); err == nil {
			if err := tx.Bucket(bucketClientIndex).Delete(clientKey(f.ClientID, id)); err != nil {
				return err
			}
		}

		msgBucket := tx.Bucket(bucketMessages)
		idxBucket := tx.Bucket(bucketMessageIndex)
		prefix := messagePrefix(id)

		var keys [][]byte
		c := msgBucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err == nil {
				if err := idxBucket.Delete([]byte(m.ID)); err != nil {
					return err
				}
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := msgBucket.Delete(k); err != nil {
				return err
			}
		}

		return b.Delete([]byte(id))
	})
}

// List returns follow-ups matching the filter, newest first
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*FollowUp, error) {
	var all []*FollowUp

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFollowUps).ForEach(func(k, v []byte) error {
			var f FollowUp
			if err := json.Unmarshal(v, &f); err != nil {
				return nil
			}
			if filter.Status != "" && f.Status != filter.Status {
				return nil
			}
			if filter.ClientID != "" && f.ClientID != filter.ClientID {
				return nil
			}
			if filter.CampaignID != "" && f.CampaignID != filter.CampaignID {
				return nil
			}
			all = append(all, &f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return []*FollowUp{}, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

// ByClient returns all follow-ups of a client
func (s *BoltStorage) ByClient(ctx context.Context, clientID string) ([]*FollowUp, error) {
	var result []*FollowUp

	err := s.db.View(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketFollowUps)
		prefix := clientKey(clientID, "")

		c := tx.Bucket(bucketClientIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := k[len(prefix):]
			data := fb.Get(id)
			if data == nil {
				continue
			}
			var f FollowUp
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			result = append(result, &f)
		}
		return nil
	})

	return result, err
}

// ListPending returns active follow-ups with a non-nil next message time
func (s *BoltStorage) ListPending(ctx context.Context) ([]*FollowUp, error) {
	var result []*FollowUp

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFollowUps).ForEach(func(k, v []byte) error {
			var f FollowUp
			if err := json.Unmarshal(v, &f); err != nil {
				return nil
			}
			if f.Status == StatusActive && f.NextMessageAt != nil {
				result = append(result, &f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NextMessageAt.Before(*result[j].NextMessageAt)
	})
	return result, nil
}

// AppendMessage adds an entry to the message log, assigning an ID when empty
func (s *BoltStorage) AppendMessage(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendMessage(tx, msg)
	})
}

// MarkDelivered flags a logged message as delivered
func (s *BoltStorage) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
		if key == nil {
			return fmt.Errorf("message %s not found", messageID)
		}

		msgBucket := tx.Bucket(bucketMessages)
		data := msgBucket.Get(key)
		if data == nil {
			return fmt.Errorf("message %s not found", messageID)
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		m.Delivered = true
		m.DeliveredAt = &at

		updated, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return msgBucket.Put(append([]byte(nil), key...), updated)
	})
}

// Messages returns up to limit most recent messages of a follow-up, newest first.
// A non-positive limit returns all messages.
func (s *BoltStorage) Messages(ctx context.Context, followUpID string, limit int) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := messagePrefix(followUpID)
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			messages = append(messages, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// LatestStepMessage returns the newest outbound message of a follow-up
func (s *BoltStorage) LatestStepMessage(ctx context.Context, followUpID string) (*Message, error) {
	var latest *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := messagePrefix(followUpID)
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if !m.Inbound() {
				latest = &m
			}
		}
		return nil
	})

	return latest, err
}

// RecordEvent stores an inbound event ID and reports whether it was new
func (s *BoltStorage) RecordEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	fresh := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b.Get([]byte(eventID)) != nil {
			return nil
		}
		fresh = true
		return b.Put([]byte(eventID), []byte(at.UTC().Format(time.RFC3339Nano)))
	})

	return fresh, err
}

// ForgetEvent deletes an inbound event ID
func (s *BoltStorage) ForgetEvent(ctx context.Context, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Delete([]byte(eventID))
	})
}

// Stats returns follow-up statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketFollowUps).ForEach(func(k, v []byte) error {
			var f FollowUp
			if err := json.Unmarshal(v, &f); err != nil {
				return nil
			}
			stats.Total++
			switch f.Status {
			case StatusActive:
				stats.Active++
			case StatusPaused:
				stats.Paused++
			case StatusCompleted:
				stats.Completed++
			case StatusCanceled:
				stats.Canceled++
			}
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			stats.Messages++
			if !m.Inbound() && !m.Delivered {
				stats.Undelivered++
			}
			return nil
		})
	})

	return stats, err
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying BoltDB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Path returns the database file path
func (s *BoltStorage) Path() string {
	return s.path
}

func putFollowUp(b *bolt.Bucket, f *FollowUp) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal follow-up: %w", err)
	}
	if err := b.Put([]byte(f.ID), data); err != nil {
		return fmt.Errorf("failed to store follow-up: %w", err)
	}
	return nil
}

func appendMessage(tx *bolt.Tx, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	msgBucket := tx.Bucket(bucketMessages)
	seq, err := msgBucket.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate message sequence: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := messageKey(msg.FollowUpID, seq)
	if err := msgBucket.Put(key, data); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	if err := tx.Bucket(bucketMessageIndex).Put([]byte(msg.ID), key); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

// clientKey builds "clientID\x00followUpID"
func clientKey(clientID, followUpID string) []byte {
	key := make([]byte, 0, len(clientID)+1+len(followUpID))
	key = append(key, clientID...)
	key = append(key, keySep)
	return append(key, followUpID...)
}

func messagePrefix(followUpID string) []byte {
	return append([]byte(followUpID), keySep)
}

// messageKey builds a key that sorts by sequence within a follow-up
func messageKey(followUpID string, seq uint64) []byte {
	return append(messagePrefix(followUpID), []byte(fmt.Sprintf("%020d", seq))...)
}
