// Package store exposes the typed operations every worker uses to talk to
// the durable queues, sessions, turns, events and counters.
//
// All state transitions here follow the lease discipline: a row is claimed
// atomically, renewed at half-TTL by its owner, and reclaimable by anyone
// once the lease deadline passes. Uniqueness conflicts (duplicate updates,
// second active session, second active run) surface as
// gorm.ErrDuplicatedKey and are part of the contract, not error noise.
package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Queue tuning defaults.
const (
	DefaultLeaseMS = 30000
	MaxAttempts    = 5
	maxBackoffSec  = 60
)

// ErrActiveRunExists is returned when inserting a run job for a chat that
// already has one in {queued, leased, in_flight}.
var ErrActiveRunExists = errors.New("store: active run already exists")

// Store wraps a GORM connection with Semaphore's typed operations.
type Store struct {
	db  *gorm.DB
	now func() int64
}

// New creates a Store using the wall clock.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() int64 { return time.Now().UnixMilli() }}
}

// NewWithClock creates a Store with an injected clock, used by tests to pin
// lease arithmetic.
func NewWithClock(db *gorm.DB, now func() int64) *Store {
	return &Store{db: db, now: now}
}

// DB exposes the underlying connection for migration and readiness checks.
func (s *Store) DB() *gorm.DB { return s.db }

// NowMS returns the store's current time in epoch milliseconds.
func (s *Store) NowMS() int64 { return s.now() }

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func isMySQL(db *gorm.DB) bool { return db.Dialector.Name() == "mysql" }

// backoffMS computes the exponential re-queue delay for the given attempt
// count, capped at maxBackoffSec.
func backoffMS(attempts int) int64 {
	shift := attempts
	if shift > 6 {
		shift = 6
	}
	sec := int64(1) << shift
	if sec > maxBackoffSec {
		sec = maxBackoffSec
	}
	return sec * 1000
}

// activeKey builds the uniqueness key held by live sessions and run jobs.
func activeKey(botID, chatID string) *string {
	key := botID + "/" + chatID
	return &key
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
