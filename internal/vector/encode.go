package vector

import (
	"strconv"
	"strings"

	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/util"
)

// EncodeQuantity renders value|comparator|unit|system|code, dropping absent
// elements. Present but empty strings are kept.
func EncodeQuantity(q *fhir.Quantity) string {
	if q == nil {
		return ""
	}
	parts := make([]string, 0, 5)
	if q.Value != nil {
		parts = append(parts, util.FormatNumber(*q.Value))
	}
	for _, s := range []*string{q.Comparator, q.Unit, q.System, q.Code} {
		if s != nil {
			parts = append(parts, *s)
		}
	}
	return strings.Join(parts, "|")
}

func EncodeRange(r *fhir.Range) string {
	return EncodeQuantity(r.Low) + "~~" + EncodeQuantity(r.High)
}

func EncodeRatio(r *fhir.Ratio) string {
	return EncodeQuantity(r.Numerator) + "~~" + EncodeQuantity(r.Denominator)
}

func EncodePeriod(p *fhir.Period) string {
	return joinNonEmpty("~~", p.Start, p.End)
}

func EncodeCodeableConcept(c *fhir.CodeableConcept) string {
	if c == nil {
		return ""
	}
	codings := make([]string, 0, len(c.Coding))
	for _, cd := range c.Coding {
		var selected string
		if cd.UserSelected != nil {
			selected = strconv.FormatBool(*cd.UserSelected)
		}
		if s := joinNonEmpty("|", cd.System, cd.Version, cd.Code, cd.Display, selected); s != "" {
			codings = append(codings, s)
		}
	}
	joined := strings.Join(codings, "||")
	switch {
	case joined != "" && c.Text != "":
		return joined + "::" + c.Text
	case joined != "":
		return joined
	default:
		return c.Text
	}
}

// EncodeValue renders the first populated value[x] with its type tag, or nil
// when none is populated.
func EncodeValue(v *fhir.Value) *string {
	if v == nil {
		return nil
	}
	var out string
	switch {
	case v.ValueQuantity != nil:
		out = "QTY:" + EncodeQuantity(v.ValueQuantity)
	case v.ValueCodeableConcept != nil:
		out = "CC:" + EncodeCodeableConcept(v.ValueCodeableConcept)
	case v.ValueString != nil:
		out = "STR:" + *v.ValueString
	case v.ValueBoolean != nil:
		out = "BOOL:" + strconv.FormatBool(*v.ValueBoolean)
	case v.ValueInteger != nil:
		out = "INT:" + strconv.FormatInt(*v.ValueInteger, 10)
	case v.ValueRange != nil:
		out = "RNG:" + EncodeRange(v.ValueRange)
	case v.ValueRatio != nil:
		out = "RATIO:" + EncodeRatio(v.ValueRatio)
	case v.ValueTime != nil:
		out = "TIME:" + *v.ValueTime
	case v.ValueDateTime != nil:
		out = "DT:" + *v.ValueDateTime
	case v.ValuePeriod != nil:
		out = "PERIOD:" + EncodePeriod(v.ValuePeriod)
	default:
		return nil
	}
	return &out
}

func joinNonEmpty(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}
