package fhir

import "time"

// FHIR dateTime and instant forms, most specific first. Values without an
// offset are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ValidDate parses an ISO-8601 date or dateTime. Empty or unparseable input
// yields nil.
func ValidDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// ToDateZeroTime parses s like ValidDate and truncates it to the start of
// its UTC day.
func ToDateZeroTime(s *string) *time.Time {
	t := ValidDate(s)
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

func FirstNonEmpty(values ...*string) *string {
	for _, v := range values {
		if v != nil && *v != "" {
			return v
		}
	}
	return nil
}

func PeriodStart(p *Period) *string {
	if p == nil || p.Start == "" {
		return nil
	}
	s := p.Start
	return &s
}

func PeriodEnd(p *Period) *string {
	if p == nil || p.End == "" {
		return nil
	}
	s := p.End
	return &s
}
