package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/types"
)

// Entity describes how one resource kind maps onto the graph tables.
type Entity[T fhir.Resource] struct {
	Kind       fhir.Kind
	Table      string
	IDColumn   string
	KeyColumns []string
	Vertices   func(T) []db.Row
	Edges      func(T) []Edge
	Owns       []EdgeKind
}

// Writer applies change events for one Entity.
type Writer[T fhir.Resource] struct {
	entity Entity[T]
	dao    *db.Dao
	logger *zap.Logger
}

func NewWriter[T fhir.Resource](e Entity[T], dao *db.Dao, logger *zap.Logger) *Writer[T] {
	return &Writer[T]{entity: e, dao: dao, logger: logger.With(zap.String("kind", string(e.Kind)))}
}

func (w *Writer[T]) Write(ctx context.Context, ev types.ChangeEvent) error {
	res, ok := ev.Resource.(T)
	if !ok {
		return fmt.Errorf("%s writer: unexpected resource %T", w.entity.Kind, ev.Resource)
	}
	if ev.Op == types.OpDelete {
		n, err := w.Delete(ctx, res.ResourceID())
		if err != nil {
			return err
		}
		w.logger.Info("Deleted vertex", zap.String("id", res.ResourceID()), zap.Int64("rows", n))
		return nil
	}
	return w.merge(ctx, res)
}

// Delete removes the vertex rows for id and every edge that has id at either
// end. It returns the number of vertex rows removed.
func (w *Writer[T]) Delete(ctx context.Context, id string) (int64, error) {
	args := pgx.NamedArgs{"id": id}
	for _, ek := range touching(w.entity.Kind) {
		_, err := w.dao.Delete(ctx, ek.Table, ek.column(w.entity.Kind)+" = @id", args)
		if err := w.check(err, ek.Table); err != nil {
			return 0, err
		}
	}
	return w.dao.Delete(ctx, w.entity.Table, w.entity.IDColumn+" = @id", args)
}

func (w *Writer[T]) merge(ctx context.Context, res T) error {
	id := res.ResourceID()
	for _, row := range w.entity.Vertices(res) {
		err := w.dao.Merge(ctx, w.entity.Table, w.entity.KeyColumns, row)
		if err := w.check(err, w.entity.Table); err != nil {
			return err
		}
	}

	if len(w.entity.Owns) == 0 {
		return nil
	}
	args := pgx.NamedArgs{"id": id}
	for _, ek := range w.entity.Owns {
		_, err := w.dao.Delete(ctx, ek.Table, ek.column(w.entity.Kind)+" = @id", args)
		if err := w.check(err, ek.Table); err != nil {
			return err
		}
	}
	if w.entity.Edges == nil {
		return nil
	}
	for _, e := range w.entity.Edges(res) {
		err := w.dao.Merge(ctx, e.Kind.Table, e.keys(), e.row())
		if err := w.check(err, e.Kind.Table); err != nil {
			return err
		}
	}
	return nil
}

// check lets a failed statement be skipped unless no connection could be
// had, in which case the rest of the event is abandoned.
func (w *Writer[T]) check(err error, table string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrAcquire) {
		return err
	}
	w.logger.Warn("Skipping failed row", zap.String("table", table), zap.Error(err))
	return nil
}
