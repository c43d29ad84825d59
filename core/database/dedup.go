package database

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/convobot/core/dedup"
	"github.com/m3rciful/convobot/core/session"
)

// Deduplicator records processed update ids in processed_updates.
// Window mode keeps the newest Window ids per bot and folds evicted ids into
// dedup_floors; watermark mode only maintains the floor.
type Deduplicator struct {
	db     *sqlx.DB
	mode   dedup.Mode
	window int
}

var _ dedup.Deduplicator = (*Deduplicator)(nil)

// NewDeduplicator returns a durable deduplicator.
func NewDeduplicator(db *sqlx.DB, mode dedup.Mode, window int) *Deduplicator {
	if window <= 0 {
		window = dedup.DefaultWindow
	}
	return &Deduplicator{db: db, mode: mode, window: window}
}

const (
	seenUpdateSQL = `SELECT EXISTS (SELECT 1 FROM processed_updates WHERE bot_id = $1 AND update_id = $2)
		OR EXISTS (SELECT 1 FROM dedup_floors WHERE bot_id = $1 AND floor >= $2)`
	seenFloorSQL    = `SELECT EXISTS (SELECT 1 FROM dedup_floors WHERE bot_id = $1 AND floor >= $2)`
	recordUpdateSQL = `INSERT INTO processed_updates (bot_id, update_id) VALUES ($1, $2)
		ON CONFLICT (bot_id, update_id) DO NOTHING`
	raiseFloorSQL = `INSERT INTO dedup_floors (bot_id, floor) VALUES ($1, $2)
		ON CONFLICT (bot_id) DO UPDATE SET floor = GREATEST(dedup_floors.floor, EXCLUDED.floor)`
	evictUpdatesSQL = `WITH evicted AS (
			DELETE FROM processed_updates
			WHERE bot_id = $1 AND update_id IN (
				SELECT update_id FROM processed_updates WHERE bot_id = $1
				ORDER BY update_id DESC OFFSET $2
			)
			RETURNING update_id
		)
		INSERT INTO dedup_floors (bot_id, floor)
		SELECT $1, max(update_id) FROM evicted HAVING count(*) > 0
		ON CONFLICT (bot_id) DO UPDATE SET floor = GREATEST(dedup_floors.floor, EXCLUDED.floor)`
)

// Seen reports whether updateID was recorded or lies at or below the floor.
func (d *Deduplicator) Seen(ctx context.Context, botID, updateID int64) (bool, error) {
	q := seenUpdateSQL
	if d.mode == dedup.ModeWatermark {
		q = seenFloorSQL
	}
	var seen bool
	if err := d.db.GetContext(ctx, &seen, q, botID, updateID); err != nil {
		return false, session.Unavailable("dedup seen", err)
	}
	return seen, nil
}

// Record marks updateID as processed.
func (d *Deduplicator) Record(ctx context.Context, botID, updateID int64) error {
	if d.mode == dedup.ModeWatermark {
		if _, err := d.db.ExecContext(ctx, raiseFloorSQL, botID, updateID); err != nil {
			return session.Unavailable("dedup record", err)
		}
		return nil
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return session.Unavailable("dedup record", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, recordUpdateSQL, botID, updateID); err != nil {
		return session.Unavailable("dedup record", err)
	}
	if _, err := tx.ExecContext(ctx, evictUpdatesSQL, botID, d.window); err != nil {
		return session.Unavailable("dedup evict", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Unavailable("dedup commit", err)
	}
	return nil
}
