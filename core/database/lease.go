package database

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/convobot/core/logger"
)

// ErrLeaseHeld is returned when another process owns the lease.
var ErrLeaseHeld = errors.New("database: lease held by another process")

// LeaseCheckInterval is how often a held lease verifies its connection.
const LeaseCheckInterval = 15 * time.Second

// Lease is a session-level Postgres advisory lock held on a dedicated
// connection. The lock ends with the connection, so a dead connection means
// the lease is lost.
type Lease struct {
	name string
	key  int64
	conn *sqlx.Conn

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// LeaseKey maps a lease name onto the advisory lock key space.
func LeaseKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// AcquireLease takes the advisory lock for name without waiting.
func AcquireLease(ctx context.Context, db *sqlx.DB, name string) (*Lease, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", name, err)
	}
	key := LeaseKey(name)
	var ok bool
	if err := conn.GetContext(ctx, &ok, `SELECT pg_try_advisory_lock($1)`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("lease %s: %w", name, err)
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	l := &Lease{
		name: name,
		key:  key,
		conn: conn,
		lost: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.watch()
	logger.Info(ctx, "db", "lease.acquired", slog.String("lease", name))
	return l, nil
}

func (l *Lease) watch() {
	defer close(l.done)
	t := time.NewTicker(LeaseCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.conn.PingContext(ctx)
			cancel()
			if err != nil {
				logger.Error(context.Background(), "db", "lease.lost",
					slog.String("status", "fail"),
					slog.String("lease", l.name),
					logger.Err(err),
				)
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		}
	}
}

// Lost is closed when the lease can no longer be vouched for.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release unlocks and closes the connection.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	return errors.Join(err, l.conn.Close())
}
