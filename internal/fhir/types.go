package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Datatypes shared across resources. Only the elements read by the sinks are
// modeled; anything else in the payload is ignored by the decoder.

type Coding struct {
	System       string `json:"system,omitempty"`
	Version      string `json:"version,omitempty"`
	Code         string `json:"code,omitempty"`
	Display      string `json:"display,omitempty"`
	UserSelected *bool  `json:"userSelected,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding of the concept, or nil.
func (c *CodeableConcept) FirstCoding() *Coding {
	if c == nil || len(c.Coding) == 0 {
		return nil
	}
	return &c.Coding[0]
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity keeps pointer fields so that an absent element can be told apart
// from an empty one when encoding.
type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator *string  `json:"comparator,omitempty"`
	Unit       *string  `json:"unit,omitempty"`
	System     *string  `json:"system,omitempty"`
	Code       *string  `json:"code,omitempty"`
}

func (q *Quantity) validate() error {
	if q == nil || q.Comparator == nil {
		return nil
	}
	switch *q.Comparator {
	case "<", "<=", ">=", ">":
		return nil
	}
	return fmt.Errorf("quantity comparator %q is not one of <, <=, >=, >", *q.Comparator)
}

type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

type Ratio struct {
	Numerator   *Quantity `json:"numerator,omitempty"`
	Denominator *Quantity `json:"denominator,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family *string  `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// ValidationError describes why a resource payload was rejected.
type ValidationError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Kind, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var errRequired = errors.New("required")

func invalid(kind Kind, field string, err error) error {
	return &ValidationError{Kind: kind, Field: field, Err: err}
}

func oneOf(kind Kind, field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid(kind, field, fmt.Errorf("%q is not an allowed value", value))
}

// header is decoded first so the payload can be checked against the kind it
// was published as before the full decode runs.
type header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

func checkHeader(kind Kind, raw []byte) error {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return invalid(kind, "", err)
	}
	if h.ResourceType != string(kind) {
		return invalid(kind, "resourceType", fmt.Errorf("got %q", h.ResourceType))
	}
	if h.ID == "" {
		return invalid(kind, "id", errRequired)
	}
	return nil
}
