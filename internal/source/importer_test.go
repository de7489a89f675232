package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpace/pkg/logx"
)

// memTable stands in for the Postgres table behind a database/sql
// connector. It understands the importer's SELECT ... LIMIT $1 and
// DELETE ... ANY($1) statements and nothing else.
type memTable struct {
	mu      sync.Mutex
	ids     []string
	docs    map[string]string
	deletes int
	// failDelete makes every DELETE fail.
	failDelete error
}

func newMemTable(n int) *memTable {
	t := &memTable{docs: map[string]string{}}
	for i := 1; i <= n; i++ {
		id := fmt.Sprint(i)
		t.ids = append(t.ids, id)
		t.docs[id] = fmt.Sprintf(`{"id": %d, "email": "user%d@example.com"}`, i, i)
	}
	return t
}

func (t *memTable) Connect(context.Context) (driver.Conn, error) { return memConn{t}, nil }
func (t *memTable) Driver() driver.Driver                        { return t }
func (t *memTable) Open(string) (driver.Conn, error)             { return memConn{t}, nil }

type memConn struct{ t *memTable }

func (memConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (memConn) Close() error                        { return nil }
func (memConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx not supported") }

func (c memConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if !strings.HasPrefix(query, "SELECT") || len(args) != 1 {
		return nil, fmt.Errorf("unexpected query %q", query)
	}
	limit := int(args[0].Value.(int64))
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	n := min(limit, len(c.t.ids))
	rows := &memRows{}
	for _, id := range c.t.ids[:n] {
		rows.data = append(rows.data, [2]string{id, c.t.docs[id]})
	}
	return rows, nil
}

func (c memConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if !strings.HasPrefix(query, "DELETE") || len(args) != 1 {
		return nil, fmt.Errorf("unexpected statement %q", query)
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.failDelete != nil {
		return nil, c.t.failDelete
	}
	// pq.Array renders as {"1","2",...}
	lit, _ := args[0].Value.(string)
	gone := map[string]bool{}
	for _, id := range strings.Split(strings.Trim(lit, "{}"), ",") {
		gone[strings.Trim(id, `"`)] = true
	}
	kept := c.t.ids[:0]
	for _, id := range c.t.ids {
		if !gone[id] {
			kept = append(kept, id)
		}
	}
	affected := int64(len(c.t.ids) - len(kept))
	c.t.ids = kept
	c.t.deletes++
	return driver.RowsAffected(affected), nil
}

type memRows struct {
	data [][2]string
	pos  int
}

func (r *memRows) Columns() []string { return []string{"id", "row_to_json"} }
func (r *memRows) Close() error      { return nil }
func (r *memRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	dest[0], dest[1] = r.data[r.pos][0], r.data[r.pos][1]
	r.pos++
	return nil
}

func TestImporterMovesAllRowsInBatches(t *testing.T) {
	table := newMemTable(120)
	db := sql.OpenDB(table)
	defer db.Close()

	out := filepath.Join(t.TempDir(), "emails.json")
	require.NoError(t, os.WriteFile(out, []byte(`[{"email": "existing@example.com"}]`), 0o600))

	im, err := NewImporterDB(db, ImportConfig{Output: out}, logx.Nop())
	require.NoError(t, err)
	defer im.Close()

	n, err := im.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, n)
	assert.Empty(t, table.ids)
	assert.Equal(t, 3, table.deletes, "50 + 50 + 20")

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	var rows []json.RawMessage
	require.NoError(t, json.Unmarshal(b, &rows))
	assert.Len(t, rows, 121)

	recs, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "existing@example.com", recs[0].Address)
	assert.Equal(t, "user1@example.com", recs[1].Address)
	assert.Equal(t, "user120@example.com", recs[120].Address)
}

func TestImporterStopsOnDeleteFailure(t *testing.T) {
	table := newMemTable(3)
	table.failDelete = errors.New("permission denied")
	db := sql.OpenDB(table)
	defer db.Close()

	out := filepath.Join(t.TempDir(), "emails.json")
	im, err := NewImporterDB(db, ImportConfig{Output: out, BatchSize: 2}, logx.Nop())
	require.NoError(t, err)

	n, err := im.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, table.ids, 3)

	// The batch already appended stays in the file; the ledger filters it
	// if the next import fetches it again.
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	recs, err := Parse(b)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestImporterEmptyTable(t *testing.T) {
	db := sql.OpenDB(newMemTable(0))
	defer db.Close()
	out := filepath.Join(t.TempDir(), "emails.json")
	im, err := NewImporterDB(db, ImportConfig{Output: out}, logx.Nop())
	require.NoError(t, err)

	n, err := im.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
