package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/pkg/fixgres"
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	// A failed boot only skips the postgres tests.
	_ = fixgres.Boot(ctx, fixgres.WithGooseUp(persistence.Migrations()))
	cancel()

	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

type fixtureDoc struct {
	Name  string `faker:"word"`
	Owner string `faker:"email"`
	Tag   string `faker:"uuid_hyphenated"`
}

func newFixture(t *testing.T) fixtureDoc {
	t.Helper()
	var d fixtureDoc
	require.NoError(t, faker.FakeData(&d))
	return d
}

func exerciseRepository(t *testing.T, repo persistence.Repository[fixtureDoc]) {
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	a, b := newFixture(t), newFixture(t)
	require.NoError(t, repo.Set(ctx, "b", b))
	require.NoError(t, repo.Set(ctx, "a", a))

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	docs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	// upsert
	a2 := newFixture(t)
	require.NoError(t, repo.Set(ctx, "a", a2))
	got, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a2, got)

	require.NoError(t, repo.Delete(ctx, "a"))
	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.Get(ctx, "a")
	assert.True(t, errors.Is(err, errors.NotFound))

	docs, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func exerciseSubscriptions(t *testing.T, store persistence.SubscriptionStore) {
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "src", models.SubscriptionRequest{
		QueryNodeID: "qc2", QueryID: "q1", NodeLabels: []string{"Person"},
	}))
	require.NoError(t, store.Save(ctx, "src", models.SubscriptionRequest{
		QueryNodeID: "qc1", QueryID: "q1", NodeLabels: []string{"Person"}, RelLabels: []string{"KNOWS"},
	}))
	require.NoError(t, store.Save(ctx, "other", models.SubscriptionRequest{QueryNodeID: "qc1", QueryID: "q9"}))

	// resave replaces the labels
	require.NoError(t, store.Save(ctx, "src", models.SubscriptionRequest{
		QueryNodeID: "qc2", QueryID: "q1", NodeLabels: []string{"Order"},
	}))

	subs, err := store.List(ctx, "src")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "qc1", subs[0].QueryNodeID)
	assert.Equal(t, []string{"KNOWS"}, subs[0].RelLabels)
	assert.Equal(t, []string{"Order"}, subs[1].NodeLabels)

	require.NoError(t, store.Delete(ctx, "src", "qc1", "q1"))
	subs, err = store.List(ctx, "src")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "qc2", subs[0].QueryNodeID)

	subs, err = store.List(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func exerciseSequences(t *testing.T, store persistence.SequenceStore) {
	ctx := context.Background()

	pos, err := store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Zero(t, pos)

	want := persistence.SequencePosition{Sequence: 42, SourceChangeID: "c-42"}
	require.NoError(t, store.Set(ctx, "q1", want))
	require.NoError(t, store.Set(ctx, "q1", persistence.SequencePosition{Sequence: 43, SourceChangeID: "c-43"}))

	pos, err = store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, uint64(43), pos.Sequence)
	assert.Equal(t, "c-43", pos.SourceChangeID)

	require.NoError(t, store.Delete(ctx, "q1"))
	pos, err = store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestMemoryRepository(t *testing.T) {
	exerciseRepository(t, persistence.NewMemoryRepository[fixtureDoc]("fixtures"))
}

func TestMemoryRepositoryDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	repo := persistence.NewMemoryRepository[[]string]("lists")
	v := []string{"a"}
	require.NoError(t, repo.Set(ctx, "x", v))
	v[0] = "changed"

	got, err := repo.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestMemorySubscriptionStore(t *testing.T) {
	exerciseSubscriptions(t, persistence.NewMemorySubscriptionStore())
}

func TestMemorySequenceStore(t *testing.T) {
	exerciseSequences(t, persistence.NewMemorySequenceStore())
}

func TestPgRepository(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	exerciseRepository(t, persistence.NewPgRepository[fixtureDoc](sbx.Pool, "fixtures"))
}

func TestPgRepositoryCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)
	sources := persistence.NewPgRepository[fixtureDoc](sbx.Pool, persistence.CollectionSources)
	reactions := persistence.NewPgRepository[fixtureDoc](sbx.Pool, persistence.CollectionReactions)

	require.NoError(t, sources.Set(ctx, "same-id", newFixture(t)))
	_, err := reactions.Get(ctx, "same-id")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestPgSubscriptionStore(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	exerciseSubscriptions(t, persistence.NewPgSubscriptionStore(sbx.Pool))
}

func TestPgSequenceStore(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	exerciseSequences(t, persistence.NewPgSequenceStore(sbx.Pool))
}

func TestActorState(t *testing.T) {
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)
	store := persistence.NewActorState(sbx.Pool)

	_, err := store.Get(ctx, "Query", "q1", "spec")
	assert.True(t, errors.Is(err, errors.NotFound))

	require.NoError(t, store.Set(ctx, "Query", "q2", "spec", []byte(`{"b":1}`)))
	require.NoError(t, store.Set(ctx, "Query", "q1", "spec", []byte(`{"a":1}`)))
	require.NoError(t, store.Set(ctx, "Query", "q1", "status", []byte(`"running"`)))
	require.NoError(t, store.Set(ctx, "View", "q3", "spec", []byte(`{}`)))

	v, err := store.Get(ctx, "Query", "q1", "spec")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v))

	ids, err := store.IDs(ctx, "Query", "spec")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2"}, ids)

	require.NoError(t, store.Delete(ctx, "Query", "q1", "spec"))
	ids, err = store.IDs(ctx, "Query", "spec")
	require.NoError(t, err)
	assert.Equal(t, []string{"q2"}, ids)
}
