package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/embeddings"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/util"
)

const unknownPatient = "<unknown>"

// Row is one flattened observation metric.
type Row struct {
	ObservationID  string
	PatientID      string
	EffectiveStart *string
	EffectiveEnd   *string
	CodeText       string
	ValueText      string
	DisplayText    string
	TextHash       string
	Embedding      []float32
}

// Key identifies a row across stores: one row per observation and text.
func (r Row) Key() string { return r.ObservationID + ":" + r.TextHash }

// Payload is the row without its embedding, as stored next to the vector in
// the mirror stores.
func (r Row) Payload() map[string]any {
	return map[string]any{
		"observation_id":  r.ObservationID,
		"patient_id":      r.PatientID,
		"effective_start": r.EffectiveStart,
		"effective_end":   r.EffectiveEnd,
		"code_text":       r.CodeText,
		"value_text":      r.ValueText,
		"display_text":    r.DisplayText,
		"text_sha256":     r.TextHash,
	}
}

type field struct {
	name  string
	value *string
}

type core struct {
	observationID  string
	patientID      string
	effectiveStart *string
	effectiveEnd   *string
}

func (c core) fields() []field {
	return []field{
		{"observationId", &c.observationID},
		{"patientId", &c.patientID},
		{"effectiveStart", c.effectiveStart},
		{"effectiveEnd", c.effectiveEnd},
	}
}

func coreFields(o *fhir.Observation) core {
	return core{
		observationID:  o.ID,
		patientID:      patientID(o.Subject),
		effectiveStart: o.EffectiveStart(),
		effectiveEnd:   o.EffectiveEnd(),
	}
}

// patientID takes the segment after the last "/" of the subject reference,
// or the whole reference when it has none.
func patientID(subject *fhir.Reference) string {
	if subject == nil || subject.Reference == "" {
		return unknownPatient
	}
	ref := subject.Reference
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

type metric struct {
	code  *fhir.CodeableConcept
	value *fhir.Value
}

func metricsOf(o *fhir.Observation) []metric {
	out := make([]metric, 0, 1+len(o.Component))
	out = append(out, metric{code: o.Code, value: &o.Value})
	for i := range o.Component {
		c := &o.Component[i]
		out = append(out, metric{code: c.Code, value: &c.Value})
	}
	return out
}

// embedInput renders the canonical text of a row: one "name: value" line per
// field, nil rendered as null.
func embedInput(fields []field) string {
	lines := make([]string, len(fields))
	for i, f := range fields {
		v := "null"
		if f.value != nil {
			v = *f.value
		}
		lines[i] = f.name + ": " + v
	}
	return strings.Join(lines, "\n")
}

func TextHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

type Transformer struct {
	embedder  embeddings.Provider
	normalize bool
	logger    *zap.Logger
}

func NewTransformer(embedder embeddings.Provider, normalize bool, logger *zap.Logger) *Transformer {
	return &Transformer{embedder: embedder, normalize: normalize, logger: logger}
}

// Transform fans an observation out into one row per populated metric: the
// observation's own value first, then each component in order. A failed
// embedding leaves the row without a vector.
func (t *Transformer) Transform(ctx context.Context, o *fhir.Observation) []Row {
	c := coreFields(o)
	var rows []Row
	for _, m := range metricsOf(o) {
		valueText := EncodeValue(m.value)
		if m.code == nil || valueText == nil {
			continue
		}
		codeText := EncodeCodeableConcept(m.code)

		fields := append(c.fields(),
			field{"codeText", &codeText},
			field{"valueText", valueText},
		)
		values := make([]*string, len(fields))
		for i, f := range fields {
			values[i] = f.value
		}
		input := embedInput(fields)

		row := Row{
			ObservationID:  c.observationID,
			PatientID:      c.patientID,
			EffectiveStart: c.effectiveStart,
			EffectiveEnd:   c.effectiveEnd,
			CodeText:       codeText,
			ValueText:      *valueText,
			DisplayText:    util.JoinNonNil(values, " "),
			TextHash:       TextHash(input),
			Embedding:      t.embed(ctx, o.ID, input),
		}
		rows = append(rows, row)
	}
	return rows
}

func (t *Transformer) embed(ctx context.Context, observationID, input string) []float32 {
	if t.embedder == nil {
		return nil
	}
	vec, err := t.embedder.Embed(ctx, input)
	if err != nil {
		t.logger.Warn("Embedding failed, storing row without vector",
			zap.String("observation_id", observationID),
			zap.Error(err))
		return nil
	}
	if len(vec) == 0 {
		return nil
	}
	if t.normalize {
		vec = util.NormalizeVector(vec)
	}
	return vec
}
