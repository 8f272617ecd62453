package fhir

import "strings"

// ExtractID returns the id following the last "/" of a literal reference.
// A missing reference, or one without a slash, yields nil.
func ExtractID(ref *Reference) *string {
	if ref == nil || ref.Reference == "" {
		return nil
	}
	i := strings.LastIndex(ref.Reference, "/")
	if i < 0 {
		return nil
	}
	id := ref.Reference[i+1:]
	return &id
}

// ExtractType returns the resource type preceding the first "/".
func ExtractType(ref *Reference) *string {
	if ref == nil || ref.Reference == "" {
		return nil
	}
	t, _, _ := strings.Cut(ref.Reference, "/")
	return &t
}
