package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/vector"
)

// milvusClient is the part of client.Client the store uses.
type milvusClient interface {
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	Close() error
}

// Store mirrors vector rows into a Milvus collection keyed by
// observationId:textHash. Rows without an embedding are skipped.
type Store struct {
	cli        milvusClient
	collection string
	metric     string
	indexType  string
	logger     *zap.Logger

	mu  sync.Mutex
	dim int
}

func New(ctx context.Context, cfg config.MilvusStore, logger *zap.Logger) (*Store, error) {
	logger.Info("Creating Milvus store",
		zap.String("addr", cfg.Addr),
		zap.String("collection", cfg.Collection),
		zap.String("metric", cfg.Metric),
		zap.String("index_type", cfg.IndexType))

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cli, err := client.NewClient(ctx, client.Config{Address: cfg.Addr})
	if err != nil {
		return nil, fmt.Errorf("connect to milvus: %w", err)
	}
	return newStore(cli, cfg, logger), nil
}

func newStore(cli milvusClient, cfg config.MilvusStore, logger *zap.Logger) *Store {
	metric, indexType := cfg.Metric, cfg.IndexType
	if metric == "" {
		metric = "IP"
	}
	if indexType == "" {
		indexType = "HNSW"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "fhir_observation_vec"
	}
	return &Store{cli: cli, collection: collection, metric: metric, indexType: indexType, logger: logger}
}

func (s *Store) ensure(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == dim {
		return nil
	}
	if s.dim != 0 {
		return fmt.Errorf("collection %s has dim=%d but row has dim=%d", s.collection, s.dim, dim)
	}

	exists, err := s.cli.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !exists {
		s.logger.Info("Creating new collection",
			zap.String("collection", s.collection),
			zap.Int("dimension", dim))

		schema := &entity.Schema{
			CollectionName: s.collection,
			Fields: []*entity.Field{
				entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(512),
				entity.NewField().WithName("observation_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256),
				entity.NewField().WithName("patient_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256),
				entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)),
				entity.NewField().WithName("payload").WithDataType(entity.FieldTypeJSON),
			},
		}
		if err := s.cli.CreateCollection(ctx, schema, 2); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}

		idx, err := s.index()
		if err != nil {
			return err
		}
		if err := s.cli.CreateIndex(ctx, s.collection, "vector", idx, false); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if err := s.cli.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	s.dim = dim
	return nil
}

func (s *Store) index() (entity.Index, error) {
	metric := entity.MetricType(s.metric)
	switch s.indexType {
	case "IVF_FLAT":
		return entity.NewIndexIvfFlat(metric, 128)
	case "AUTOINDEX":
		return entity.NewIndexAUTOINDEX(metric)
	default:
		return entity.NewIndexHNSW(metric, 16, 200)
	}
}

func (s *Store) Upsert(ctx context.Context, r vector.Row) error {
	if len(r.Embedding) == 0 {
		s.logger.Debug("Skipping row without embedding", zap.String("id", r.Key()))
		return nil
	}
	if err := s.ensure(ctx, len(r.Embedding)); err != nil {
		return err
	}

	payload, err := json.Marshal(r.Payload())
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.cli.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar("id", []string{r.Key()}),
		entity.NewColumnVarChar("observation_id", []string{r.ObservationID}),
		entity.NewColumnVarChar("patient_id", []string{r.PatientID}),
		entity.NewColumnFloatVector("vector", len(r.Embedding), [][]float32{r.Embedding}),
		entity.NewColumnJSONBytes("payload", [][]byte{payload}),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert %s: %w", r.Key(), err)
	}
	s.logger.Debug("Upserted to Milvus", zap.String("id", r.Key()))
	return nil
}

// DeleteObservation removes every row of the observation. Milvus does not
// report how many entities matched, so the count is always 0.
func (s *Store) DeleteObservation(ctx context.Context, observationID string) (int64, error) {
	expr := "observation_id == " + strconv.Quote(observationID)
	if err := s.cli.Delete(ctx, s.collection, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete %s: %w", observationID, err)
	}
	return 0, nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing Milvus connection")
	return s.cli.Close()
}
