package fhir

import "fmt"

// Kind is one of the resource types the sinks know how to persist.
type Kind string

const (
	KindPatient                  Kind = "Patient"
	KindObservation              Kind = "Observation"
	KindEncounter                Kind = "Encounter"
	KindCondition                Kind = "Condition"
	KindProcedure                Kind = "Procedure"
	KindMedicationRequest        Kind = "MedicationRequest"
	KindMedicationAdministration Kind = "MedicationAdministration"
	KindPractitioner             Kind = "Practitioner"
	KindLocation                 Kind = "Location"
	KindOrganization             Kind = "Organization"
)

var kinds = []Kind{
	KindPatient,
	KindObservation,
	KindEncounter,
	KindCondition,
	KindProcedure,
	KindMedicationRequest,
	KindMedicationAdministration,
	KindPractitioner,
	KindLocation,
	KindOrganization,
}

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported resource kind %q", s)
}

// Resource is implemented by every parsed resource type.
type Resource interface {
	ResourceKind() Kind
	ResourceID() string
	Validate() error
}
