// Package wal turns a Postgres database into a source: the reactivator follows
// logical replication and publishes source change messages, the proxy serves
// bootstrap snapshots of the same tables.
package wal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/models"
)

// Change is a wal2json (format-version 1) change entry.
type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      *Keys    `json:"oldkeys,omitempty"`
	PK           *PK      `json:"pk,omitempty"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

type PK struct {
	PKNames []string `json:"pknames"`
}

// Transaction is one wal2json message: all changes of a committed transaction.
type Transaction struct {
	Xid       uint64   `json:"xid"`
	NextLSN   string   `json:"nextlsn"`
	Timestamp string   `json:"timestamp"`
	Change    []Change `json:"change"`
}

const walTimestamp = "2006-01-02 15:04:05.999999-07"

// Table is a replicated table. Its rows become nodes labelled with Name.
type Table struct {
	Schema string
	Name   string
}

func (t Table) String() string { return t.Schema + "." + t.Name }

func (t Table) Label() string { return t.Name }

// ParseTables reads "schema.table" or "table" names. Tables without a schema
// are in public.
func ParseTables(names []string) (map[string]Table, error) {
	out := make(map[string]Table, len(names))
	for _, n := range names {
		schema, name, ok := strings.Cut(strings.TrimSpace(n), ".")
		if !ok {
			schema, name = "public", schema
		}
		if schema == "" || name == "" {
			return nil, errors.NotValidf("table name %q", n)
		}
		t := Table{Schema: schema, Name: name}
		if prev, dup := out[t.Label()]; dup && prev != t {
			return nil, errors.NotValidf("tables %s and %s share label %s", prev, t, t.Label())
		}
		out[t.Label()] = t
	}
	return out, nil
}

// ElementID identifies a row by its table and primary key values.
func ElementID(label string, keys []string, row map[string]any) string {
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = fmt.Sprint(row[k])
	}
	return label + ":" + strings.Join(vals, ",")
}

// Decoder converts wal2json transactions into source change messages.
// Changes of tables outside the configured set are dropped.
type Decoder struct {
	tables map[string]Table
}

func NewDecoder(tables map[string]Table) *Decoder {
	return &Decoder{tables: tables}
}

func (d *Decoder) includes(c Change) (Table, bool) {
	t, ok := d.tables[c.Table]
	if !ok || t.Schema != c.Schema {
		return Table{}, false
	}
	return t, true
}

// Decode parses data and returns one message per replicated row change. lsn
// and now stamp the messages when the transaction carries no timestamp.
func (d *Decoder) Decode(data []byte, lsn uint64, now time.Time) ([]models.SourceChangeMessage, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, errors.NewNotValid(err, "decoding wal2json message")
	}
	ts := now
	if tx.Timestamp != "" {
		if parsed, err := time.Parse(walTimestamp, tx.Timestamp); err == nil {
			ts = parsed
		}
	}

	var out []models.SourceChangeMessage
	for _, c := range tx.Change {
		t, ok := d.includes(c)
		if !ok {
			continue
		}
		msg, err := d.message(t, c, lsn, ts)
		if err != nil {
			return nil, errors.Annotatef(err, "change on %s", t)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (d *Decoder) message(t Table, c Change, lsn uint64, ts time.Time) (models.SourceChangeMessage, error) {
	msg := models.SourceChangeMessage{
		TsMs: uint64(ts.UnixMilli()),
		TsNs: uint64(ts.UnixNano()),
		Payload: models.SourceChangePayload{
			Source: models.ChangeSource{DB: t.Schema, Table: string(models.KindNode), LSN: lsn, TsMs: uint64(ts.UnixMilli())},
		},
	}

	var keys []string
	if c.PK != nil {
		keys = c.PK.PKNames
	}
	var old map[string]any
	if c.OldKeys != nil {
		old = zip(c.OldKeys.KeyNames, c.OldKeys.KeyValues)
		if len(keys) == 0 {
			keys = c.OldKeys.KeyNames
		}
	}
	if len(keys) == 0 {
		return msg, errors.NotValidf("table without primary key or replica identity")
	}

	switch c.Kind {
	case "insert":
		msg.Op = models.OpInsert
	case "update":
		msg.Op = models.OpUpdate
	case "delete":
		msg.Op = models.OpDelete
	default:
		return msg, errors.NotSupportedf("change kind %q", c.Kind)
	}

	if msg.Op != models.OpDelete {
		row := zip(c.ColumnNames, c.ColumnValues)
		after, err := image(t, keys, row)
		if err != nil {
			return msg, err
		}
		msg.Payload.After = after
	}
	if old != nil {
		before, err := image(t, keys, old)
		if err != nil {
			return msg, err
		}
		msg.Payload.Before = before
	}
	if msg.Op == models.OpDelete && msg.Payload.Before == nil {
		return msg, errors.NotValidf("delete without old keys")
	}
	return msg, nil
}

func image(t Table, keys []string, row map[string]any) (json.RawMessage, error) {
	id := ElementID(t.Label(), keys, row)
	raw, err := json.Marshal(models.ChangePayload{
		ID:         &id,
		Labels:     []string{t.Label()},
		Properties: row,
	})
	return raw, errors.Trace(err)
}

func zip(names []string, values []any) map[string]any {
	out := make(map[string]any, len(names))
	for i, n := range names {
		if i < len(values) {
			out[n] = values[i]
		} else {
			out[n] = nil
		}
	}
	return out
}
