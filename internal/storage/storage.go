// Package storage provides persistent activity storage for the mood ensemble
// service. It uses BoltDB as the underlying storage engine and keeps one
// nested bucket of minute-level activity records per user.
//
// Keys are zero-padded Unix-nanosecond timestamps followed by a bucket
// sequence number, so records sort chronologically and records sharing a
// timestamp do not overwrite each other.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"mood-ensemble/internal/sequence"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	activitiesBucket = "activities" // Parent bucket holding one bucket per user
	dbFileName       = "mood-ensemble.db"
)

var ErrInvalidRecord = errors.New("invalid activity record")

// MetricsInterface defines the metrics the store records.
type MetricsInterface interface {
	ActivitiesStoredAdd(n int)
}

// Store provides persistent storage for activity records using BoltDB.
type Store struct {
	db      *bbolt.DB
	metrics MetricsInterface
}

type storedActivity struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
	Value float64    `json:"value"`
}

// New opens (or creates) the database under dataPath.
func New(dataPath string) (*Store, error) {
	return NewWithMetrics(dataPath, nil)
}

// NewWithMetrics is New with a metrics sink for write counts.
func NewWithMetrics(dataPath string, metrics MetricsInterface) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFileName)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(activitiesBucket)); err != nil {
			return fmt.Errorf("create activities bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, metrics: metrics}, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// StoreActivity stores a single activity record for userID.
func (s *Store) StoreActivity(userID string, record sequence.ActivityRecord) error {
	return s.StoreActivities(userID, []sequence.ActivityRecord{record})
}

// StoreActivities stores records for userID in one transaction. Records with
// a zero or pre-epoch start or a non-finite value are rejected.
func (s *Store) StoreActivities(userID string, records []sequence.ActivityRecord) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	for i, r := range records {
		if r.StartDate.IsZero() || r.StartDate.UnixNano() < 0 {
			return fmt.Errorf("%w: record %d has no valid start date", ErrInvalidRecord, i)
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return fmt.Errorf("%w: record %d value is not finite", ErrInvalidRecord, i)
		}
	}
	if len(records) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(activitiesBucket)).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("create user bucket: %w", err)
		}

		for _, r := range records {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}

			data, err := json.Marshal(toStored(r))
			if err != nil {
				return fmt.Errorf("marshal activity: %w", err)
			}
			if err := b.Put(activityKey(r.StartDate, seq), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ActivitiesStoredAdd(len(records))
	}
	return nil
}

// ActivitiesInRange returns userID's records with start in [start, end),
// ordered by start time. An unknown user yields no records.
func (s *Store) ActivitiesInRange(ctx context.Context, userID string, start, end time.Time) ([]sequence.ActivityRecord, error) {
	var records []sequence.ActivityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(activitiesBucket)).Bucket([]byte(userID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		startKey := timeKey(start)
		endKey := timeKey(end)

		n := 0
		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			// Check for cancellation every 4096 records on long scans.
			if n++; n%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var sa storedActivity
			if err := json.Unmarshal(v, &sa); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Bytes("key", k).Msg("skipping malformed activity record")
				continue
			}
			records = append(records, sa.toRecord())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read activities: %w", err)
	}
	return records, nil
}

// LatestActivity returns the start time of userID's newest record, or the
// zero time when the user has none.
func (s *Store) LatestActivity(ctx context.Context, userID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	var latest time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(activitiesBucket)).Bucket([]byte(userID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var sa storedActivity
			if err := json.Unmarshal(v, &sa); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Bytes("key", k).Msg("skipping malformed activity record")
				continue
			}
			latest = sa.Start
			return nil
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read latest activity: %w", err)
	}
	return latest, nil
}

// DeleteUser removes all records of userID.
func (s *Store) DeleteUser(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(activitiesBucket)).DeleteBucket([]byte(userID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func timeKey(t time.Time) []byte {
	nanos := t.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("%019d", nanos))
}

func activityKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%019d_%020d", t.UnixNano(), seq))
}

func toStored(r sequence.ActivityRecord) storedActivity {
	sa := storedActivity{Start: r.StartDate, Value: r.Value}
	if !r.EndDate.IsZero() {
		end := r.EndDate
		sa.End = &end
	}
	return sa
}

func (sa storedActivity) toRecord() sequence.ActivityRecord {
	r := sequence.ActivityRecord{StartDate: sa.Start, Value: sa.Value}
	if sa.End != nil {
		r.EndDate = *sa.End
	}
	return r
}
