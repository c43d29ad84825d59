package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/m3rciful/convobot/core/logger"
)

// ErrLeaseHeld is returned when another process owns the lease.
var ErrLeaseHeld = errors.New("mongostore: lease held by another process")

// LeaseCollection holds one document per lease name.
const LeaseCollection = "leases"

// Lease is an expiring ownership record renewed in the background.
type Lease struct {
	coll  *mongo.Collection
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// AcquireLease claims name for ttl in the store's database and keeps renewing
// it every ttl/3 until Release.
func (s *Store) AcquireLease(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l := &Lease{
		coll:  s.coll.Database().Collection(LeaseCollection),
		name:  name,
		owner: uuid.NewString(),
		ttl:   ttl,
		now:   s.now,
		lost:  make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := l.claim(ctx); err != nil {
		return nil, err
	}
	go l.renew()
	logger.Info(ctx, "db", "lease.acquired",
		slog.String("lease", name),
		slog.String("owner", l.owner),
	)
	return l, nil
}

// claim takes or extends the lease. A live lease of another owner makes the
// upsert collide on _id.
func (l *Lease) claim(ctx context.Context) error {
	now := l.now()
	filter := bson.D{
		{Key: "_id", Value: l.name},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "owner", Value: l.owner}},
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "owner", Value: l.owner},
		{Key: "expires_at", Value: now.Add(l.ttl)},
	}}}
	_, err := l.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, l.name)
	}
	if err != nil {
		return fmt.Errorf("lease %s: %w", l.name, err)
	}
	return nil
}

func (l *Lease) renew() {
	defer close(l.done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.claim(ctx)
			cancel()
			if err == nil {
				continue
			}
			logger.Warn(context.Background(), "db", "lease.renew",
				slog.String("status", "fail"),
				slog.String("lease", l.name),
				logger.Err(err),
			)
			if errors.Is(err, ErrLeaseHeld) {
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		}
	}
}

// Lost is closed once another owner took the lease over.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops renewing and deletes the lease if still owned.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	_, err := l.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: l.name}, {Key: "owner", Value: l.owner}})
	return err
}
