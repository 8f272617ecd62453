package db

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeConn struct {
	src *fakeSource
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.src.exec(ctx, sql, args...)
}

func (c *fakeConn) Release() { c.src.released.Add(1) }

type fakeSource struct {
	acquireErr error
	exec       func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	acquired   atomic.Int32
	released   atomic.Int32
	closed     atomic.Int32
}

func (s *fakeSource) Acquire(ctx context.Context) (conn, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	s.acquired.Add(1)
	return &fakeConn{src: s}, nil
}

func (s *fakeSource) Stat() Stats { return Stats{AcquiredConns: s.acquired.Load() - s.released.Load()} }
func (s *fakeSource) Close()      { s.closed.Add(1) }

func TestExecuteReleasesOnEveryPath(t *testing.T) {
	src := &fakeSource{}
	p := newPool(src, time.Second, zap.NewNop())

	if err := p.Execute(context.Background(), func(context.Context, Session) error { return nil }); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := p.Execute(context.Background(), func(context.Context, Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		p.Execute(context.Background(), func(context.Context, Session) error { panic("writer bug") })
	}()

	if src.acquired.Load() != 3 || src.released.Load() != 3 {
		t.Fatalf("acquired %d released %d", src.acquired.Load(), src.released.Load())
	}
}

func TestExecuteAcquireFailure(t *testing.T) {
	src := &fakeSource{acquireErr: errors.New("too many clients")}
	p := newPool(src, time.Second, zap.NewNop())
	err := p.Execute(context.Background(), func(context.Context, Session) error {
		t.Fatal("unit of work must not run")
		return nil
	})
	if !errors.Is(err, ErrAcquire) {
		t.Fatalf("expected ErrAcquire, got %v", err)
	}
}

func TestCloseIsIdempotentAndRejectsNewWork(t *testing.T) {
	src := &fakeSource{}
	p := newPool(src, time.Second, zap.NewNop())
	p.Close()
	p.Close()
	if src.closed.Load() != 1 {
		t.Fatalf("source closed %d times", src.closed.Load())
	}
	err := p.Execute(context.Background(), func(context.Context, Session) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseCancelsStuckWorkAfterGrace(t *testing.T) {
	src := &fakeSource{}
	p := newPool(src, 20*time.Millisecond, zap.NewNop())

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- p.Execute(context.Background(), func(ctx context.Context, _ Session) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	p.Close()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if src.released.Load() != 1 {
		t.Fatalf("released %d", src.released.Load())
	}
}

type recorder struct {
	sql  []string
	args []pgx.NamedArgs
	err  error
	tag  string
}

func (r *recorder) Execute(ctx context.Context, fn func(context.Context, Session) error) error {
	return fn(ctx, r)
}

func (r *recorder) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	if len(args) == 1 {
		if na, ok := args[0].(pgx.NamedArgs); ok {
			r.args = append(r.args, na)
		}
	}
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag(r.tag), nil
}

func TestBuildMerge(t *testing.T) {
	var nilStr *string
	gender := "female"
	sql, err := buildMerge("fhir_graph", "kg_patient", []string{"patient_id"}, Row{
		{"patient_id", "p1"},
		{"gender", &gender},
		{"last_name", nilStr},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "MERGE INTO fhir_graph.kg_patient AS t USING (SELECT 1) AS s ON (t.patient_id = @patient_id)" +
		" WHEN MATCHED THEN UPDATE SET gender = @gender, last_name = @last_name" +
		" WHEN NOT MATCHED THEN INSERT (patient_id, gender) VALUES (@patient_id, @gender)"
	if sql != want {
		t.Fatalf("got\n%s\nwant\n%s", sql, want)
	}
}

func TestBuildMergeKeysOnly(t *testing.T) {
	sql, err := buildMerge("fhir_graph", "e_has_condition", []string{"patient_id", "cond_id"}, Row{
		{"patient_id", "p1"},
		{"cond_id", "c1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sql, "WHEN MATCHED") {
		t.Fatalf("unexpected update branch: %s", sql)
	}
	if !strings.Contains(sql, "ON (t.patient_id = @patient_id AND t.cond_id = @cond_id)") {
		t.Fatalf("bad match clause: %s", sql)
	}
}

func TestBuildMergeRejectsNullKey(t *testing.T) {
	var nilStr *string
	if _, err := buildMerge("s", "t", []string{"id"}, Row{{"id", nilStr}}); err == nil {
		t.Fatal("expected error for null key")
	}
}

func TestDaoDeleteReturnsAffectedRows(t *testing.T) {
	rec := &recorder{tag: "DELETE 3"}
	d := NewDao(rec, "fhir_graph", zap.NewNop())
	n, err := d.Delete(context.Background(), "e_has_observation", "obs_id = @id", pgx.NamedArgs{"id": "o1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("affected %d", n)
	}
	if rec.sql[0] != "DELETE FROM fhir_graph.e_has_observation WHERE obs_id = @id" {
		t.Fatalf("sql %q", rec.sql[0])
	}
}

func TestDaoDuplicateIgnored(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &recorder{err: &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}}
	d := NewDao(rec, "fhir_graph", zap.New(core))

	err := d.Merge(context.Background(), "kg_patient", []string{"patient_id"}, Row{{"patient_id", "p1"}})
	if err != nil {
		t.Fatalf("expected duplicate to be reported as success, got %v", err)
	}
	if logs.FilterMessage("duplicate ignored").Len() != 1 {
		t.Fatalf("expected one duplicate log entry, got %v", logs.All())
	}
}

func TestDaoOtherErrorsSurface(t *testing.T) {
	rec := &recorder{err: &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}}
	d := NewDao(rec, "fhir_graph", zap.NewNop())
	if err := d.Merge(context.Background(), "kg_patient", []string{"patient_id"}, Row{{"patient_id", "p1"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDaoCall(t *testing.T) {
	rec := &recorder{tag: "CALL"}
	d := NewDao(rec, "fhir_vec", zap.NewNop())
	err := d.Call(context.Background(), "fhir_vec.obs_vec_merge", Row{{"p_observation_id", "o1"}, {"p_embedding", nil}})
	if err != nil {
		t.Fatal(err)
	}
	want := "CALL fhir_vec.obs_vec_merge(p_observation_id => @p_observation_id, p_embedding => @p_embedding)"
	if rec.sql[0] != want {
		t.Fatalf("got %q", rec.sql[0])
	}
	if _, ok := rec.args[0]["p_embedding"]; !ok {
		t.Fatal("null argument must still be bound")
	}
}
