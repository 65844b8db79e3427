package persistence

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
)

// ActorState implements actor.StateStore on the actor_state table.
type ActorState struct {
	pool *pgxpool.Pool
}

func NewActorState(pool *pgxpool.Pool) *ActorState {
	return &ActorState{pool: pool}
}

func (s *ActorState) Get(ctx context.Context, actorType, actorID, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM actor_state WHERE actor_type = $1 AND actor_id = $2 AND key = $3`,
		actorType, actorID, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundf("state %s of %s/%s", key, actorType, actorID)
	}
	return value, errors.Trace(err)
}

func (s *ActorState) Set(ctx context.Context, actorType, actorID, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO actor_state (actor_type, actor_id, key, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_type, actor_id, key) DO UPDATE SET value = EXCLUDED.value`,
		actorType, actorID, key, value)
	return errors.Annotatef(err, "writing state %s of %s/%s", key, actorType, actorID)
}

func (s *ActorState) Delete(ctx context.Context, actorType, actorID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM actor_state WHERE actor_type = $1 AND actor_id = $2 AND key = $3`,
		actorType, actorID, key)
	return errors.Trace(err)
}

func (s *ActorState) IDs(ctx context.Context, actorType, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT actor_id FROM actor_state WHERE actor_type = $1 AND key = $2 ORDER BY actor_id`,
		actorType, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Trace(err)
}
