package view

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/models"
)

// PgStore keeps views in the view_meta and view_rows tables.
type PgStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPgStore(pool *pgxpool.Pool, clk clock.Clock) *PgStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &PgStore{pool: pool, clock: clk}
}

func (s *PgStore) InitView(ctx context.Context, queryID string, policy models.RetentionPolicy) error {
	raw, err := json.Marshal(normalizePolicy(policy))
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO view_meta (query_id, retention) VALUES ($1, $2)
		ON CONFLICT (query_id) DO UPDATE SET retention = EXCLUDED.retention`,
		queryID, raw)
	return errors.Annotatef(err, "initializing view %s", queryID)
}

func (s *PgStore) SetRetentionPolicy(ctx context.Context, queryID string, policy models.RetentionPolicy) error {
	raw, err := json.Marshal(normalizePolicy(policy))
	if err != nil {
		return errors.Trace(err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE view_meta SET retention = $2 WHERE query_id = $1`, queryID, raw)
	if err != nil {
		return errors.Annotatef(err, "setting retention of %s", queryID)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("view %q", queryID)
	}
	return nil
}

func (s *PgStore) RecordChange(ctx context.Context, queryID string, change models.ResultChange) error {
	ops := plan(change)
	ts := int64(change.SourceTimeMs)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			seq int64
			raw []byte
		)
		err := tx.QueryRow(ctx,
			`SELECT seq, retention FROM view_meta WHERE query_id = $1 FOR UPDATE`, queryID,
		).Scan(&seq, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.NotFoundf("view %q", queryID)
		}
		if err != nil {
			return errors.Annotatef(err, "reading view %s", queryID)
		}
		if change.Sequence <= uint64(seq) {
			return nil
		}
		var policy models.RetentionPolicy
		if err := json.Unmarshal(raw, &policy); err != nil {
			return errors.Annotatef(err, "decoding retention of %s", queryID)
		}

		for _, op := range ops {
			if err := applyOp(ctx, tx, queryID, policy, op, ts); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE view_meta SET seq = $2, ts = $3 WHERE query_id = $1`,
			queryID, int64(change.Sequence), ts)
		return errors.Annotatef(err, "advancing view %s", queryID)
	})
}

func applyOp(ctx context.Context, tx pgx.Tx, queryID string, policy models.RetentionPolicy, op rowOp, ts int64) error {
	if op.close {
		var err error
		if policy.Kind == models.RetainLatest {
			_, err = tx.Exec(ctx,
				`DELETE FROM view_rows WHERE query_id = $1 AND hash = $2 AND valid_to = $3`,
				queryID, op.hash, OpenInterval)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE view_rows SET valid_to = $4 WHERE query_id = $1 AND hash = $2 AND valid_to = $3`,
				queryID, op.hash, OpenInterval, ts-1)
		}
		return errors.Annotatef(err, "closing row %s of %s", op.hash, queryID)
	}

	raw, err := json.Marshal(op.row)
	if err != nil {
		return errors.Annotatef(err, "encoding row of %s", queryID)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM view_rows WHERE query_id = $1 AND hash = $2 AND valid_to = $3`,
		queryID, op.hash, OpenInterval); err != nil {
		return errors.Annotatef(err, "replacing row %s of %s", op.hash, queryID)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO view_rows (query_id, hash, result, valid_from, valid_to) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (query_id, hash, valid_from) DO UPDATE SET result = EXCLUDED.result, valid_to = EXCLUDED.valid_to`,
		queryID, op.hash, raw, ts, OpenInterval)
	return errors.Annotatef(err, "writing row %s of %s", op.hash, queryID)
}

func (s *PgStore) SetState(ctx context.Context, queryID string, seq, ts uint64, state string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE view_meta SET seq = $2, ts = $3, state = $4 WHERE query_id = $1`,
		queryID, int64(seq), int64(ts), state)
	if err != nil {
		return errors.Annotatef(err, "setting state of %s", queryID)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("view %q", queryID)
	}
	return nil
}

func (s *PgStore) GetView(ctx context.Context, queryID string, timestamp *uint64) (Snapshot, error) {
	var (
		seq, ts int64
		state   string
		raw     []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT seq, ts, state, retention FROM view_meta WHERE query_id = $1`, queryID,
	).Scan(&seq, &ts, &state, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, errors.NotFoundf("view %q", queryID)
	}
	if err != nil {
		return Snapshot{}, errors.Annotatef(err, "reading view %s", queryID)
	}
	var policy models.RetentionPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return Snapshot{}, errors.Annotatef(err, "decoding retention of %s", queryID)
	}
	at, ok := effectiveTime(policy, ts, timestamp, s.clock.Now().UnixMilli())
	if !ok {
		return Snapshot{}, errors.NotFoundf("view %q at %d", queryID, *timestamp)
	}

	snap := Snapshot{Header: Header{Sequence: uint64(seq), Timestamp: uint64(ts)}}
	if state != "" {
		snap.Header.State = &state
	}
	rows, err := s.pool.Query(ctx, `
		SELECT result FROM view_rows
		WHERE query_id = $1 AND valid_from <= $2 AND valid_to >= $2
		ORDER BY valid_from, hash`, queryID, at)
	if err != nil {
		return Snapshot{}, errors.Annotatef(err, "reading rows of %s", queryID)
	}
	defer rows.Close()
	for rows.Next() {
		var row []byte
		if err := rows.Scan(&row); err != nil {
			return Snapshot{}, errors.Trace(err)
		}
		var out map[string]any
		if err := json.Unmarshal(row, &out); err != nil {
			return Snapshot{}, errors.Annotatef(err, "decoding row of %s", queryID)
		}
		snap.Rows = append(snap.Rows, out)
	}
	return snap, errors.Trace(rows.Err())
}

func (s *PgStore) DeleteView(ctx context.Context, queryID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM view_rows WHERE query_id = $1`, queryID); err != nil {
			return errors.Annotatef(err, "deleting rows of %s", queryID)
		}
		_, err := tx.Exec(ctx, `DELETE FROM view_meta WHERE query_id = $1`, queryID)
		return errors.Annotatef(err, "deleting view %s", queryID)
	})
}

func (s *PgStore) Collect(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	rows, err := s.pool.Query(ctx, `SELECT query_id, retention FROM view_meta`)
	if err != nil {
		return 0, errors.Annotate(err, "listing views")
	}
	epochs := make(map[string]int64)
	for rows.Next() {
		var (
			queryID string
			raw     []byte
		)
		if err := rows.Scan(&queryID, &raw); err != nil {
			rows.Close()
			return 0, errors.Trace(err)
		}
		var policy models.RetentionPolicy
		if err := json.Unmarshal(raw, &policy); err != nil {
			continue
		}
		if epoch, ok := expiryEpoch(policy, now); ok {
			epochs[queryID] = epoch
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Trace(err)
	}

	var removed int
	for queryID, epoch := range epochs {
		tag, err := s.pool.Exec(ctx, `DELETE FROM view_rows WHERE query_id = $1 AND valid_to < $2`, queryID, epoch)
		if err != nil {
			return removed, errors.Annotatef(err, "collecting %s", queryID)
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}
