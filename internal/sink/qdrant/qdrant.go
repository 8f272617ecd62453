package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/vector"
)

// Store mirrors vector rows into a Qdrant collection over its REST API.
// Point ids are name-based UUIDs of observationId:textHash, so repeated
// upserts of the same row land on the same point.
type Store struct {
	baseURL    string
	collection string
	distance   string
	client     *http.Client
	logger     *zap.Logger

	mu  sync.Mutex
	dim int
}

func New(cfg config.QdrantStore, logger *zap.Logger) (*Store, error) {
	base, err := normalizeBaseURL(cfg.Addr)
	if err != nil {
		return nil, err
	}
	distance := cfg.Distance
	if distance == "" {
		distance = "Cosine"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "fhir_observation_vec"
	}
	logger.Info("Creating Qdrant store",
		zap.String("url", base),
		zap.String("collection", collection),
		zap.String("distance", distance))
	return &Store{
		baseURL:    base,
		collection: collection,
		distance:   distance,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	if !strings.Contains(host, ":") {
		host += ":6333"
	}
	if strings.HasSuffix(host, ":6334") {
		return "", fmt.Errorf("use 6333 for HTTP; 6334 is gRPC")
	}
	u.Host = host
	return strings.TrimSuffix(u.String(), "/"), nil
}

// PointID returns the Qdrant point id for a row key.
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func (s *Store) ensureCollection(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim > 0 && s.dim == dim {
		return nil
	}

	infoURL := fmt.Sprintf("%s/collections/%s", s.baseURL, s.collection)
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodGet, infoURL, nil, &info)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	if status == http.StatusOK {
		existing := info.Result.Config.Params.Vectors.Size
		if existing > 0 && existing != dim {
			return fmt.Errorf("collection exists with size=%d but row has dim=%d; drop or recreate the collection", existing, dim)
		}
		s.dim = dim
		return nil
	}

	s.logger.Info("Creating new collection",
		zap.String("collection", s.collection),
		zap.Int("dimension", dim),
		zap.String("distance", s.distance))
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": s.distance},
	}
	if _, err := s.do(ctx, http.MethodPut, infoURL, body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	s.dim = dim
	return nil
}

func (s *Store) Upsert(ctx context.Context, r vector.Row) error {
	if len(r.Embedding) == 0 {
		s.logger.Debug("Skipping row without embedding", zap.String("id", r.Key()))
		return nil
	}
	if err := s.ensureCollection(ctx, len(r.Embedding)); err != nil {
		return err
	}

	id := PointID(r.Key())
	body := map[string]any{
		"points": []map[string]any{{
			"id":      id,
			"vector":  r.Embedding,
			"payload": r.Payload(),
		}},
	}
	u := fmt.Sprintf("%s/collections/%s/points?wait=true", s.baseURL, s.collection)
	if _, err := s.do(ctx, http.MethodPut, u, body, nil); err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", r.Key(), err)
	}
	s.logger.Debug("Point upserted", zap.String("key", r.Key()), zap.String("point_id", id))
	return nil
}

// DeleteObservation removes every point whose payload carries the
// observation id. Qdrant does not report the number of deleted points, so
// the count is always 0.
func (s *Store) DeleteObservation(ctx context.Context, observationID string) (int64, error) {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{{
				"key":   "observation_id",
				"match": map[string]any{"value": observationID},
			}},
		},
	}
	u := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.baseURL, s.collection)
	if _, err := s.do(ctx, http.MethodPost, u, body, nil); err != nil {
		return 0, fmt.Errorf("qdrant delete %s: %w", observationID, err)
	}
	return 0, nil
}

func (s *Store) Close() error { return nil }

// do sends body as JSON and decodes a 2xx response into out when out is
// non-nil. The status code is returned even on error.
func (s *Store) do(ctx context.Context, method, u string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
