package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/drip/internal/followup"
)

// StatsProvider provides follow-up statistics for the state gauges
type StatsProvider interface {
	Stats(ctx context.Context) (*followup.Stats, error)
}

// TimerCounter reports the number of armed timers
type TimerCounter interface {
	Pending() int
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// Snapshot maps a counter name to its values keyed by joined label values
type Snapshot map[string]map[string]float64

// Collector persists counters across restarts and refreshes the gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         StatsProvider
	timers        TimerCounter
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters into m
func NewCollector(db *bolt.DB, m *Metrics, stats StatsProvider, timers TimerCounter, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		timers:        timers,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// persistent returns the counters that survive restarts
func (c *Collector) persistent() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"followups_created":  c.metrics.FollowUpsCreatedTotal,
		"transitions":        c.metrics.TransitionsTotal,
		"duration_fallbacks": c.metrics.DurationFallbacks,
		"messages_delivered": c.metrics.MessagesDeliveredTotal,
		"dispatch_failures":  c.metrics.DispatchFailuresTotal,
		"inbound_replies":    c.metrics.InboundRepliesTotal,
		"inbound_duplicates": c.metrics.InboundDuplicatesTotal,
	}
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collectSystemMetrics(ctx)

	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	var saved Snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &saved); err != nil {
			saved = nil // Skip invalid data
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load counters: %w", err)
	}

	for name, col := range c.persistent() {
		for key, v := range saved[name] {
			switch counter := col.(type) {
			case prometheus.Counter:
				counter.Add(v)
			case *prometheus.CounterVec:
				counter.WithLabelValues(splitLabelKey(key)...).Add(v)
			}
		}
	}
	return nil
}

// Snapshot reads the current values of the persistent counters
func (c *Collector) Snapshot() Snapshot {
	out := make(Snapshot)
	for name, col := range c.persistent() {
		values := make(map[string]float64)

		ch := make(chan prometheus.Metric)
		go func() {
			col.Collect(ch)
			close(ch)
		}()
		for metric := range ch {
			var pb dto.Metric
			if err := metric.Write(&pb); err != nil || pb.Counter == nil {
				continue
			}
			labels := make([]string, 0, len(pb.Label))
			for _, l := range pb.Label {
				labels = append(labels, l.GetValue())
			}
			values[makeLabelKey(labels...)] = pb.Counter.GetValue()
		}
		out[name] = values
	}
	return out
}

func (c *Collector) persistCounters() error {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.timers != nil {
		c.metrics.TimersPending.Set(float64(c.timers.Pending()))
	}

	if c.stats != nil {
		stats, err := c.stats.Stats(ctx)
		if err == nil {
			c.metrics.FollowUps.WithLabelValues(string(followup.StatusActive)).Set(float64(stats.Active))
			c.metrics.FollowUps.WithLabelValues(string(followup.StatusPaused)).Set(float64(stats.Paused))
			c.metrics.FollowUps.WithLabelValues(string(followup.StatusCompleted)).Set(float64(stats.Completed))
			c.metrics.FollowUps.WithLabelValues(string(followup.StatusCanceled)).Set(float64(stats.Canceled))
			c.metrics.MessagesUndelivered.Set(float64(stats.Undelivered))
		}
	}
}

// Helper functions for label key serialization
func makeLabelKey(values ...string) string {
	return strings.Join(values, "|")
}

func splitLabelKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "|")
}
