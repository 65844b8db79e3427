package fixgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sandbox is a schema private to one test. Every pooled connection carries
// its search_path.
type Sandbox struct {
	DB     *sql.DB
	Pool   *pgxpool.Pool
	DSN    string
	Schema string
	Seed   int64
	Close  func()
}

// BootOnce boots the shared container, skipping the test when it cannot start.
func BootOnce(t *testing.T, opts ...Option) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := Boot(ctx, opts...); err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
}

// NewSandbox creates a migrated schema for t and drops it on cleanup. The test
// is skipped when the container did not boot.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	mu.Lock()
	base := connString
	mu.Unlock()
	if base == "" {
		if bootErr != nil {
			t.Skipf("postgres unavailable: %v", bootErr)
		}
		t.Skip("fixgres not booted; call fixgres.Boot in TestMain")
	}

	admin, err := sql.Open("pgx", base) // admin connection (no search_path)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Unique schema per test
	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	dsn := withSearchPath(base, schema)

	if err := migrate(ctx, dsn); err != nil {
		t.Fatalf("migrate sandbox: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open sandbox pool: %v", err)
	}

	sbx := &Sandbox{
		DB:     db,
		Pool:   pool,
		DSN:    dsn,
		Schema: schema,
		Seed:   randomSeed(),
	}
	closed := false
	sbx.Close = func() {
		if closed {
			return
		}
		closed = true
		pool.Close()
		_ = db.Close()
		// drop schema with admin handle (it doesn't share the search_path)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = admin.Close()
	}
	t.Cleanup(sbx.Close)
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s", schema))
	u.RawQuery = q.Encode()
	return u.String()
}

func randomSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}
