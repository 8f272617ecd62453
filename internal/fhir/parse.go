package fhir

import (
	"encoding/json"
	"fmt"
)

// Parse decodes raw into the typed resource for kind and validates it.
// Elements the projections do not read are ignored.
func Parse(kind Kind, raw []byte) (Resource, error) {
	if err := checkHeader(kind, raw); err != nil {
		return nil, err
	}

	var res Resource
	switch kind {
	case KindPatient:
		res = &Patient{}
	case KindObservation:
		res = &Observation{}
	case KindEncounter:
		res = &Encounter{}
	case KindCondition:
		res = &Condition{}
	case KindProcedure:
		res = &Procedure{}
	case KindMedicationRequest:
		res = &MedicationRequest{}
	case KindMedicationAdministration:
		res = &MedicationAdministration{}
	case KindPractitioner:
		res = &Practitioner{}
	case KindLocation:
		res = &Location{}
	case KindOrganization:
		res = &Organization{}
	default:
		return nil, fmt.Errorf("unsupported resource kind %q", kind)
	}

	if err := json.Unmarshal(raw, res); err != nil {
		return nil, invalid(kind, "", err)
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}
