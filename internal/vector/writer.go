package vector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/types"
)

// Store persists vector rows. Upsert must be idempotent per
// (observationId, textHash).
type Store interface {
	Upsert(ctx context.Context, row Row) error
	DeleteObservation(ctx context.Context, observationID string) (int64, error)
	Close() error
}

// Writer handles Observation events for the vector sink.
type Writer struct {
	transformer *Transformer
	store       Store
	logger      *zap.Logger
}

func NewWriter(transformer *Transformer, store Store, logger *zap.Logger) *Writer {
	return &Writer{transformer: transformer, store: store, logger: logger}
}

func (w *Writer) Write(ctx context.Context, ev types.ChangeEvent) error {
	obs, ok := ev.Resource.(*fhir.Observation)
	if !ok {
		return fmt.Errorf("vector writer: unexpected resource %T", ev.Resource)
	}

	if ev.Op == types.OpDelete {
		n, err := w.store.DeleteObservation(ctx, obs.ID)
		if err != nil {
			return err
		}
		w.logger.Info("Deleted observation rows",
			zap.String("observation_id", obs.ID),
			zap.Int64("rows", n))
		return nil
	}

	rows := w.transformer.Transform(ctx, obs)
	if len(rows) == 0 {
		w.logger.Debug("Observation has no metrics to store", zap.String("observation_id", obs.ID))
		return nil
	}

	written := 0
	for _, row := range rows {
		if err := w.store.Upsert(ctx, row); err != nil {
			if errors.Is(err, db.ErrAcquire) {
				return err
			}
			w.logger.Error("Failed to store vector row",
				zap.String("observation_id", row.ObservationID),
				zap.String("text_sha256", row.TextHash),
				zap.Error(err))
			continue
		}
		written++
	}
	w.logger.Info("Stored observation rows",
		zap.String("observation_id", obs.ID),
		zap.Int("rows", len(rows)),
		zap.Int("written", written))
	return nil
}
