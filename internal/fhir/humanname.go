package fhir

import "strings"

func firstHumanName(names []HumanName) *HumanName {
	if len(names) == 0 {
		return nil
	}
	return &names[0]
}

func FirstGivenName(names []HumanName) *string {
	n := firstHumanName(names)
	if n == nil || len(n.Given) == 0 {
		return nil
	}
	g := n.Given[0]
	return &g
}

func FamilyName(names []HumanName) *string {
	n := firstHumanName(names)
	if n == nil {
		return nil
	}
	return n.Family
}

// FirstFullName joins the first given name and the family name of the first
// HumanName. Nil when neither is present.
func FirstFullName(names []HumanName) *string {
	var parts []string
	if g := FirstGivenName(names); g != nil {
		parts = append(parts, *g)
	}
	if f := FamilyName(names); f != nil {
		parts = append(parts, *f)
	}
	full := strings.Join(parts, " ")
	if full == "" {
		return nil
	}
	return &full
}
