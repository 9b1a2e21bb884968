package history

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"memberflow/fault"
)

func TestAppendRejectsIncompleteEntries(t *testing.T) {
	log := NewLog()
	tx := &execTx{}

	err := log.Append(context.Background(), tx, Entry{Activity: ActivityCreated})
	if !fault.IsValidation(err) {
		t.Fatalf("missing renewal id: got %v, want validation error", err)
	}

	err = log.Append(context.Background(), tx, Entry{RenewalID: "rnw-1"})
	if !fault.IsValidation(err) {
		t.Fatalf("missing activity: got %v, want validation error", err)
	}

	if len(tx.execs) != 0 {
		t.Fatal("rejected entries must not reach the database")
	}
}

func TestAppendEncodesDetails(t *testing.T) {
	log := NewLog()
	tx := &execTx{}

	err := log.Append(context.Background(), tx, Entry{
		RenewalID: "rnw-1",
		Activity:  ActivityStatusChanged,
		OldStatus: "pending",
		NewStatus: "processing",
		Actor:     "staff:42",
		Details:   map[string]any{"stage": "due"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(tx.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(tx.execs))
	}

	args := tx.execs[0]
	if args[0] != "rnw-1" || args[1] != ActivityStatusChanged {
		t.Fatalf("unexpected identity args: %v", args[:2])
	}
	payload, ok := args[6].([]byte)
	if !ok {
		t.Fatalf("details payload is %T, want []byte", args[6])
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["stage"] != "due" {
		t.Fatalf("decoded details = %v", decoded)
	}
}

func TestAppendDefaultsDetailsToEmptyObject(t *testing.T) {
	log := NewLog()
	tx := &execTx{}

	err := log.Append(context.Background(), tx, Entry{RenewalID: "rnw-1", Activity: ActivityCreated, Actor: "staff:42"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	payload := tx.execs[0][6].([]byte)
	if string(payload) != "{}" {
		t.Fatalf("payload = %s, want {}", payload)
	}
}

// execTx records Exec arguments; everything else is out of scope for the log.
type execTx struct {
	execs [][]any
}

func (f *execTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, args)
	return pgconn.CommandTag{}, nil
}

func (f *execTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("execTx does not support nested transactions")
}

func (f *execTx) Commit(context.Context) error   { return nil }
func (f *execTx) Rollback(context.Context) error { return nil }

func (f *execTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *execTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *execTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *execTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *execTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *execTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *execTx) Conn() *pgx.Conn {
	return nil
}
