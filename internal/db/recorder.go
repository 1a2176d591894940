package db

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/biostream/internal/feature"
	"github.com/banshee-data/biostream/internal/monitoring"
	"github.com/banshee-data/biostream/internal/pipeline"
)

// recorder batching: writes are flushed when the batch fills or on the
// ticker, whichever comes first. Feature vectors arrive at a few hertz per
// channel, so these bounds keep transactions small without ever holding
// data long.
const (
	recorderBatchSize  = 32
	recorderFlushEvery = 500 * time.Millisecond
)

// Recorder subscribes to a session's sinks and persists feature windows
// and events. All writes happen on the recorder's own goroutines, so a
// slow disk degrades to skipped sink messages rather than a stalled
// consumer.
type Recorder struct {
	db *DB
	wg sync.WaitGroup
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// Record registers the session and starts persisting its feature and
// event streams. Recording ends when the session's sinks close; Wait
// blocks until the last row is flushed and the session row is stamped.
func (r *Recorder) Record(s *pipeline.Session, port, notes string) error {
	if err := r.db.CreateSession(s.ID, port, time.Now(), notes); err != nil {
		return err
	}

	_, features := s.Features.Subscribe()
	_, events := s.Events.Subscribe()

	var drains sync.WaitGroup
	drains.Add(2)
	r.wg.Add(1)

	go func() {
		defer drains.Done()
		r.drainFeatures(s.ID, features)
	}()
	go func() {
		defer drains.Done()
		r.drainEvents(events)
	}()
	go func() {
		defer r.wg.Done()
		drains.Wait()
		if err := r.db.CloseSession(s.ID, time.Now()); err != nil {
			monitoring.Logf("db: failed to close session %s: %v", s.ID, err)
		}
	}()
	return nil
}

// Wait blocks until every recording started with Record has fully
// flushed.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) drainFeatures(sessionID string, ch <-chan feature.Vector) {
	pending := make([]feature.Vector, 0, recorderBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := r.insertFeatureBatch(sessionID, pending); err != nil {
			monitoring.Logf("db: failed to record %d feature windows: %v", len(pending), err)
		}
		pending = pending[:0]
	}

	ticker := time.NewTicker(recorderFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, v)
			if len(pending) >= recorderBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) insertFeatureBatch(sessionID string, batch []feature.Vector) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO feature_windows (session_id, channel, modality, timestamp, features)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, v := range batch {
		payload, err := json.Marshal(v.Values)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode features: %w", err)
		}
		if _, err := stmt.Exec(sessionID, v.Channel, string(v.Kind), v.Timestamp.UTC(), string(payload)); err != nil {
			tx.Rollback()
			return fmt.Errorf("feature window insert failed: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Recorder) drainEvents(ch <-chan pipeline.Event) {
	for e := range ch {
		if err := r.db.RecordEvent(e); err != nil {
			monitoring.Logf("db: failed to record event %q: %v", e.Label, err)
		}
	}
}
