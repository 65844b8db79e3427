package wal_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/wal"
	"github.com/zoravur/continuum/pkg/fixgres"
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	_ = fixgres.Boot(ctx)
	cancel()

	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

type person struct {
	Name  string `faker:"name"`
	Email string `faker:"email"`
}

func seedPeople(t *testing.T, sbx *fixgres.Sandbox, n int) []person {
	t.Helper()
	ctx := context.Background()
	_, err := sbx.Pool.Exec(ctx, `CREATE TABLE people (id int PRIMARY KEY, name text, email text)`)
	require.NoError(t, err)
	out := make([]person, n)
	for i := range out {
		require.NoError(t, faker.FakeData(&out[i]))
		_, err := sbx.Pool.Exec(ctx, `INSERT INTO people VALUES ($1, $2, $3)`, i+1, out[i].Name, out[i].Email)
		require.NoError(t, err)
	}
	return out
}

func TestProxySnapshot(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	people := seedPeople(t, sbx, 3)

	tables, err := wal.ParseTables([]string{sbx.Schema + ".people"})
	require.NoError(t, err)
	proxy := wal.NewProxy(sbx.Pool, tables)

	var got []models.BootstrapElement
	err = proxy.Snapshot(context.Background(), models.SubscriptionRequest{
		QueryID:    "q1",
		NodeLabels: []string{"people", "Unknown"},
	}, func(el models.BootstrapElement) error {
		got = append(got, el)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })
	assert.Equal(t, "people:1", got[0].ID)
	assert.Equal(t, []string{"people"}, got[0].Labels)
	assert.Equal(t, people[0].Email, got[0].Properties["email"])
	assert.Equal(t, models.KindNode, got[0].Kind())
}

func TestProxyAcquireStreamsNDJSON(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	seedPeople(t, sbx, 2)

	tables, err := wal.ParseTables([]string{sbx.Schema + ".people"})
	require.NoError(t, err)
	h := wal.NewProxy(sbx.Pool, tables).Routes(zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodPost, "/acquire", strings.NewReader(`{"queryId":"q1","queryNodeId":"default","nodeLabels":["people"]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ids []string
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var el models.BootstrapElement
		require.NoError(t, json.Unmarshal(sc.Bytes(), &el))
		ids = append(ids, el.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"people:1", "people:2"}, ids)
}

func TestProxyBootstrapReader(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	seedPeople(t, sbx, 2)

	tables, err := wal.ParseTables([]string{sbx.Schema + ".people"})
	require.NoError(t, err)
	body, err := wal.NewProxy(sbx.Pool, tables).Bootstrap(context.Background(), models.SubscriptionRequest{NodeLabels: []string{"people"}})
	require.NoError(t, err)
	defer body.Close()

	dec := json.NewDecoder(body)
	n := 0
	for dec.More() {
		var el models.BootstrapElement
		require.NoError(t, dec.Decode(&el))
		n++
	}
	assert.Equal(t, 2, n)
}
