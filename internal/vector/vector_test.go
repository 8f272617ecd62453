package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/types"
)

func strp(s string) *string  { return &s }
func f64(f float64) *float64 { return &f }
func boolp(b bool) *bool     { return &b }

func TestEncodeQuantity(t *testing.T) {
	got := EncodeQuantity(&fhir.Quantity{Value: f64(98), Unit: strp("beats/min")})
	if got != "98|beats/min" {
		t.Fatalf("got %q", got)
	}
	got = EncodeQuantity(&fhir.Quantity{Value: f64(1.5), Comparator: strp("<"), Unit: strp(""), System: strp("http://unitsofmeasure.org"), Code: strp("mg")})
	if got != "1.5|<||http://unitsofmeasure.org|mg" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeCodeableConcept(t *testing.T) {
	cc := &fhir.CodeableConcept{
		Coding: []fhir.Coding{{System: "http://loinc.org", Code: "55284-4", Display: "BP"}},
		Text:   "Blood pressure",
	}
	if got := EncodeCodeableConcept(cc); got != "http://loinc.org|55284-4|BP::Blood pressure" {
		t.Fatalf("got %q", got)
	}

	cc = &fhir.CodeableConcept{Coding: []fhir.Coding{
		{Code: "a", UserSelected: boolp(false)},
		{},
		{System: "s", Code: "b"},
	}}
	if got := EncodeCodeableConcept(cc); got != "a|false||s|b" {
		t.Fatalf("got %q", got)
	}

	if got := EncodeCodeableConcept(&fhir.CodeableConcept{Text: "only text"}); got != "only text" {
		t.Fatalf("got %q", got)
	}
	if got := EncodeCodeableConcept(&fhir.CodeableConcept{}); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeValuePrecedence(t *testing.T) {
	var i int64 = 3
	cases := []struct {
		v    fhir.Value
		want string
	}{
		{fhir.Value{ValueQuantity: &fhir.Quantity{Value: f64(5)}, ValueString: strp("ignored")}, "QTY:5"},
		{fhir.Value{ValueCodeableConcept: &fhir.CodeableConcept{Text: "pos"}}, "CC:pos"},
		{fhir.Value{ValueString: strp("hello")}, "STR:hello"},
		{fhir.Value{ValueBoolean: boolp(false)}, "BOOL:false"},
		{fhir.Value{ValueInteger: &i}, "INT:3"},
		{fhir.Value{ValueRange: &fhir.Range{Low: &fhir.Quantity{Value: f64(1)}}}, "RNG:1~~"},
		{fhir.Value{ValueRatio: &fhir.Ratio{Numerator: &fhir.Quantity{Value: f64(1)}, Denominator: &fhir.Quantity{Value: f64(2)}}}, "RATIO:1~~2"},
		{fhir.Value{ValueTime: strp("10:00:00")}, "TIME:10:00:00"},
		{fhir.Value{ValueDateTime: strp("2024-01-01")}, "DT:2024-01-01"},
		{fhir.Value{ValuePeriod: &fhir.Period{End: "2024-02-01"}}, "PERIOD:2024-02-01"},
	}
	for _, c := range cases {
		got := EncodeValue(&c.v)
		if got == nil || *got != c.want {
			t.Fatalf("got %v, want %q", got, c.want)
		}
	}
	if EncodeValue(&fhir.Value{}) != nil {
		t.Fatal("expected nil for empty value")
	}
}

func bloodPressure() *fhir.Observation {
	loinc := func(code, display string) *fhir.CodeableConcept {
		return &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://loinc.org", Code: code, Display: display}}}
	}
	return &fhir.Observation{
		ID:              "o1",
		Code:            loinc("85354-9", "Blood pressure panel"),
		Subject:         &fhir.Reference{Reference: "Patient/11331"},
		EffectivePeriod: &fhir.Period{Start: "2024-05-01T10:00:00Z", End: "2024-05-01T10:05:00Z"},
		Value:           fhir.Value{ValueQuantity: &fhir.Quantity{Value: f64(72), Unit: strp("beats/min")}},
		Component: []fhir.ObservationComponent{
			{Code: loinc("8480-6", "Systolic"), Value: fhir.Value{ValueQuantity: &fhir.Quantity{Value: f64(120), Unit: strp("mmHg")}}},
			{Code: loinc("8462-4", "Diastolic"), Value: fhir.Value{ValueQuantity: &fhir.Quantity{Value: f64(80), Unit: strp("mmHg")}}},
			{Code: loinc("0000-0", "No value")},
		},
	}
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{3, 4}, nil
}

func (f *fakeEmbedder) Close() error { return nil }

func TestTransformFanOut(t *testing.T) {
	emb := &fakeEmbedder{}
	rows := NewTransformer(emb, true, zap.NewNop()).Transform(context.Background(), bloodPressure())
	if len(rows) != 3 {
		t.Fatalf("expected 1+2 rows, got %d", len(rows))
	}
	if emb.calls != 3 {
		t.Fatalf("embedder called %d times", emb.calls)
	}

	r := rows[1]
	if r.ObservationID != "o1" || r.PatientID != "11331" {
		t.Fatalf("core fields %+v", r)
	}
	if *r.EffectiveStart != "2024-05-01T10:00:00Z" || *r.EffectiveEnd != "2024-05-01T10:05:00Z" {
		t.Fatalf("effective %s %s", *r.EffectiveStart, *r.EffectiveEnd)
	}
	if r.CodeText != "http://loinc.org|8480-6|Systolic" || r.ValueText != "QTY:120|mmHg" {
		t.Fatalf("metric %q %q", r.CodeText, r.ValueText)
	}
	wantDisplay := "o1 11331 2024-05-01T10:00:00Z 2024-05-01T10:05:00Z http://loinc.org|8480-6|Systolic QTY:120|mmHg"
	if r.DisplayText != wantDisplay {
		t.Fatalf("display %q", r.DisplayText)
	}
	wantInput := strings.Join([]string{
		"observationId: o1",
		"patientId: 11331",
		"effectiveStart: 2024-05-01T10:00:00Z",
		"effectiveEnd: 2024-05-01T10:05:00Z",
		"codeText: http://loinc.org|8480-6|Systolic",
		"valueText: QTY:120|mmHg",
	}, "\n")
	if r.TextHash != TextHash(wantInput) {
		t.Fatalf("hash does not match canonical text")
	}
	if len(r.Embedding) != 2 || r.Embedding[0] != 0.6 || r.Embedding[1] != 0.8 {
		t.Fatalf("embedding %v", r.Embedding)
	}
}

func TestTransformNullsAndUnknownPatient(t *testing.T) {
	o := &fhir.Observation{
		ID:    "o2",
		Code:  &fhir.CodeableConcept{Text: "note"},
		Value: fhir.Value{ValueString: strp("fine")},
	}
	rows := NewTransformer(nil, false, zap.NewNop()).Transform(context.Background(), o)
	if len(rows) != 1 {
		t.Fatalf("rows %d", len(rows))
	}
	r := rows[0]
	if r.PatientID != "<unknown>" || r.EffectiveStart != nil || r.Embedding != nil {
		t.Fatalf("row %+v", r)
	}
	if r.DisplayText != "o2 <unknown> note STR:fine" {
		t.Fatalf("display %q", r.DisplayText)
	}
	want := "observationId: o2\npatientId: <unknown>\neffectiveStart: null\neffectiveEnd: null\ncodeText: note\nvalueText: STR:fine"
	if r.TextHash != TextHash(want) {
		t.Fatal("nulls must render as null in the canonical text")
	}
}

func TestTransformSkipsMetricWithoutCode(t *testing.T) {
	o := &fhir.Observation{ID: "o3", Value: fhir.Value{ValueString: strp("x")}}
	if rows := NewTransformer(nil, false, zap.NewNop()).Transform(context.Background(), o); len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestTextHashChangesWithAnyField(t *testing.T) {
	tr := NewTransformer(nil, false, zap.NewNop())
	base := tr.Transform(context.Background(), bloodPressure())[0].TextHash
	if again := tr.Transform(context.Background(), bloodPressure())[0].TextHash; again != base {
		t.Fatal("hash is not deterministic")
	}

	mutations := []func(o *fhir.Observation){
		func(o *fhir.Observation) { o.ID = "o9" },
		func(o *fhir.Observation) { o.Subject.Reference = "Patient/2" },
		func(o *fhir.Observation) { o.EffectivePeriod.Start = "2024-05-02T10:00:00Z" },
		func(o *fhir.Observation) { o.EffectivePeriod.End = "2024-05-02T10:00:00Z" },
		func(o *fhir.Observation) { o.Code.Text = "bp" },
		func(o *fhir.Observation) { *o.ValueQuantity.Value = 73 },
	}
	for i, m := range mutations {
		o := bloodPressure()
		m(o)
		if got := tr.Transform(context.Background(), o)[0].TextHash; got == base {
			t.Fatalf("mutation %d did not change the hash", i)
		}
	}
}

func TestTransformEmbeddingFailureLeavesNilVector(t *testing.T) {
	rows := NewTransformer(&fakeEmbedder{err: errors.New("503")}, false, zap.NewNop()).Transform(context.Background(), bloodPressure())
	for _, r := range rows {
		if r.Embedding != nil {
			t.Fatalf("expected nil embedding, got %v", r.Embedding)
		}
	}
}

type fakeStore struct {
	rows    []Row
	deleted []string
	failOn  map[int]error
}

func (s *fakeStore) Upsert(_ context.Context, r Row) error {
	i := len(s.rows)
	s.rows = append(s.rows, r)
	return s.failOn[i]
}

func (s *fakeStore) DeleteObservation(_ context.Context, id string) (int64, error) {
	s.deleted = append(s.deleted, id)
	return 2, nil
}

func (s *fakeStore) Close() error { return nil }

func observationEvent(op types.Op) types.ChangeEvent {
	raw, _ := json.Marshal(bloodPressure())
	return types.ChangeEvent{Op: op, Kind: fhir.KindObservation, Raw: raw, Resource: bloodPressure()}
}

func TestWriterContinuesAfterRowError(t *testing.T) {
	store := &fakeStore{failOn: map[int]error{0: errors.New("check constraint")}}
	w := NewWriter(NewTransformer(nil, false, zap.NewNop()), store, zap.NewNop())
	if err := w.Write(context.Background(), observationEvent(types.OpCreate)); err != nil {
		t.Fatal(err)
	}
	if len(store.rows) != 3 {
		t.Fatalf("expected all 3 rows attempted, got %d", len(store.rows))
	}
}

func TestWriterAbortsOnAcquireFailure(t *testing.T) {
	store := &fakeStore{failOn: map[int]error{0: fmt.Errorf("call: %w", db.ErrAcquire)}}
	w := NewWriter(NewTransformer(nil, false, zap.NewNop()), store, zap.NewNop())
	if err := w.Write(context.Background(), observationEvent(types.OpUpdate)); !errors.Is(err, db.ErrAcquire) {
		t.Fatalf("expected ErrAcquire, got %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected abort after first row, got %d", len(store.rows))
	}
}

func TestWriterDelete(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(NewTransformer(nil, false, zap.NewNop()), store, zap.NewNop())
	if err := w.Write(context.Background(), observationEvent(types.OpDelete)); err != nil {
		t.Fatal(err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "o1" || len(store.rows) != 0 {
		t.Fatalf("deleted %v rows %d", store.deleted, len(store.rows))
	}
}
