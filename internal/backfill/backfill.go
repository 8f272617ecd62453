package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/metrics"
	"github.com/mehmetymw/fhirsink/internal/types"
)

const progressEvery = 10

// Publisher sends one envelope to the event stream.
type Publisher interface {
	Publish(ctx context.Context, key string, envelope []byte) error
}

type bundle struct {
	ResourceType string `json:"resourceType"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
}

type header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Crawler reads every resource of a patient from a FHIR server and
// publishes each supported one as a create event.
type Crawler struct {
	base     *url.URL
	pageSize int
	kinds    map[fhir.Kind]bool
	client   *http.Client
	limiter  *rate.Limiter
	pub      Publisher
	logger   *zap.Logger
}

func New(cfg config.BackfillConfig, pub Publisher, logger *zap.Logger) (*Crawler, error) {
	if cfg.FHIRBase == "" {
		return nil, errors.New("backfill needs fhir_base")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.FHIRBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse fhir_base: %w", err)
	}

	kinds := make(map[fhir.Kind]bool)
	for _, t := range cfg.ResourceTypes {
		k, err := fhir.ParseKind(t)
		if err != nil {
			return nil, err
		}
		kinds[k] = true
	}
	if len(kinds) == 0 {
		for _, k := range fhir.Kinds() {
			kinds[k] = true
		}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Crawler{
		base:     base,
		pageSize: cfg.PageSize,
		kinds:    kinds,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter:  rate.NewLimiter(limit, 1),
		pub:      pub,
		logger:   logger,
	}, nil
}

// Run backfills each patient in turn and stops at the first failure.
func (c *Crawler) Run(ctx context.Context, patientIDs []string) error {
	for _, id := range patientIDs {
		if _, err := c.Patient(ctx, id); err != nil {
			return fmt.Errorf("backfill patient %s: %w", id, err)
		}
	}
	return nil
}

// Patient pages through the patient's resources and returns how many were
// published.
func (c *Crawler) Patient(ctx context.Context, patientID string) (int, error) {
	next := c.startURL(patientID)
	sent := 0
	started := time.Now()

	for next != "" {
		b, err := c.fetch(ctx, next)
		if err != nil {
			return sent, err
		}
		for _, e := range b.Entry {
			ok, err := c.publish(ctx, e.Resource)
			if err != nil {
				return sent, err
			}
			if !ok {
				continue
			}
			sent++
			if sent%progressEvery == 0 {
				c.logger.Info("Backfill progress",
					zap.String("patient_id", patientID),
					zap.Int("published", sent),
					zap.Float64("per_second", perSecond(sent, started)))
			}
		}
		if next, err = c.nextLink(b); err != nil {
			return sent, err
		}
	}

	c.logger.Info("Backfill complete",
		zap.String("patient_id", patientID),
		zap.Int("published", sent),
		zap.Float64("per_second", perSecond(sent, started)))
	return sent, nil
}

func (c *Crawler) startURL(patientID string) string {
	q := url.Values{}
	q.Set("_count", fmt.Sprint(c.pageSize))
	if len(c.kinds) == 1 && c.kinds[fhir.KindObservation] {
		q.Set("subject", "Patient/"+patientID)
		return c.base.String() + "/Observation?" + q.Encode()
	}
	return c.base.String() + "/Patient/" + url.PathEscape(patientID) + "/$everything?" + q.Encode()
}

func (c *Crawler) fetch(ctx context.Context, u string) (*bundle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("FHIR %d from %s: %s", resp.StatusCode, u, string(msg))
	}

	var b bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle from %s: %w", u, err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle from %s, got %q", u, b.ResourceType)
	}
	return &b, nil
}

// publish sends one bundle entry. Entries of unsupported kinds or without an
// id are skipped and reported as not published.
func (c *Crawler) publish(ctx context.Context, raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		c.logger.Warn("Skipping unreadable bundle entry", zap.Error(err))
		return false, nil
	}
	kind, err := fhir.ParseKind(h.ResourceType)
	if err != nil || !c.kinds[kind] || h.ID == "" {
		return false, nil
	}

	env, err := types.NewEnvelope(types.OpCreate, kind, raw)
	if err != nil {
		return false, err
	}
	if err := c.pub.Publish(ctx, string(kind)+"/"+h.ID, env); err != nil {
		return false, fmt.Errorf("publish %s/%s: %w", kind, h.ID, err)
	}
	metrics.RecordBackfillPublished(string(kind))
	return true, nil
}

func (c *Crawler) nextLink(b *bundle) (string, error) {
	for _, l := range b.Link {
		if l.Relation != "next" || l.URL == "" {
			continue
		}
		u, err := url.Parse(l.URL)
		if err != nil {
			return "", fmt.Errorf("parse next link: %w", err)
		}
		return c.base.ResolveReference(u).String(), nil
	}
	return "", nil
}

func perSecond(n int, since time.Time) float64 {
	elapsed := time.Since(since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed
}
