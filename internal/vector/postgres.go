package vector

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/util"
)

const (
	mergeProcedure = "fhir_vec.obs_vec_merge"
	vectorSchema   = "fhir_vec"
	activeTable    = "obs_vec_active"
)

// PostgresStore writes rows through the obs_vec_merge procedure, which owns
// deduplication on (observation_id, text_sha256).
type PostgresStore struct {
	dao *db.Dao
}

func NewPostgresStore(exec db.Executor, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{dao: db.NewDao(exec, vectorSchema, logger)}
}

func (s *PostgresStore) Upsert(ctx context.Context, r Row) error {
	var embedding *string
	if len(r.Embedding) > 0 {
		lit := util.VectorLiteral(r.Embedding)
		embedding = &lit
	}
	return s.dao.Call(ctx, mergeProcedure, db.Row{
		{Name: "p_observation_id", Value: r.ObservationID},
		{Name: "p_patient_id", Value: r.PatientID},
		{Name: "p_effective_start", Value: fhir.ValidDate(r.EffectiveStart)},
		{Name: "p_effective_end", Value: fhir.ValidDate(r.EffectiveEnd)},
		{Name: "p_code_text", Value: r.CodeText},
		{Name: "p_value_text", Value: r.ValueText},
		{Name: "p_display_text", Value: r.DisplayText},
		{Name: "p_embedding", Value: embedding},
		{Name: "p_text_sha256", Value: r.TextHash},
	})
}

func (s *PostgresStore) DeleteObservation(ctx context.Context, observationID string) (int64, error) {
	return s.dao.Delete(ctx, activeTable, "observation_id = @id", pgx.NamedArgs{"id": observationID})
}

func (s *PostgresStore) Close() error { return nil }
