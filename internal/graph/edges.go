package graph

import (
	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/fhir"
)

// End is one side of an edge table: the vertex kind and the column holding
// its id.
type End struct {
	Kind   fhir.Kind
	Column string
}

// EdgeKind describes one edge table. Owner is the kind whose snapshot
// carries the reference, and whose writes replace the edge set.
type EdgeKind struct {
	Table string
	From  End
	To    End
	Owner fhir.Kind
}

// column returns the column that holds ids of kind, or "" when kind is not
// an endpoint of e.
func (e EdgeKind) column(kind fhir.Kind) string {
	switch kind {
	case e.From.Kind:
		return e.From.Column
	case e.To.Kind:
		return e.To.Column
	}
	return ""
}

func (e EdgeKind) far() End {
	if e.Owner == e.From.Kind {
		return e.To
	}
	return e.From
}

var (
	HasObservation = EdgeKind{"e_has_observation", End{fhir.KindPatient, "patient_id"}, End{fhir.KindObservation, "obs_id"}, fhir.KindObservation}
	RecordedDuring = EdgeKind{"e_recorded_during", End{fhir.KindEncounter, "encounter_id"}, End{fhir.KindObservation, "obs_id"}, fhir.KindObservation}
	AuthoredBy     = EdgeKind{"e_authored_by", End{fhir.KindObservation, "obs_id"}, End{fhir.KindPractitioner, "practitioner_id"}, fhir.KindObservation}
	HasCondition   = EdgeKind{"e_has_condition", End{fhir.KindPatient, "patient_id"}, End{fhir.KindCondition, "cond_id"}, fhir.KindCondition}
	HadProcedure   = EdgeKind{"e_had_procedure", End{fhir.KindPatient, "patient_id"}, End{fhir.KindProcedure, "proc_id"}, fhir.KindProcedure}
	PerformedBy    = EdgeKind{"e_performed_by", End{fhir.KindProcedure, "proc_id"}, End{fhir.KindPractitioner, "practitioner_id"}, fhir.KindProcedure}
	HadEncounter   = EdgeKind{"e_had_encounter", End{fhir.KindPatient, "patient_id"}, End{fhir.KindEncounter, "encounter_id"}, fhir.KindEncounter}
	HasMedRequest  = EdgeKind{"e_has_med_request", End{fhir.KindPatient, "patient_id"}, End{fhir.KindMedicationRequest, "mr_id"}, fhir.KindMedicationRequest}
	RequestedBy    = EdgeKind{"e_requested_by", End{fhir.KindMedicationRequest, "mr_id"}, End{fhir.KindPractitioner, "practitioner_id"}, fhir.KindMedicationRequest}
	HasMedAdmin    = EdgeKind{"e_has_med_admin", End{fhir.KindPatient, "patient_id"}, End{fhir.KindMedicationAdministration, "ma_id"}, fhir.KindMedicationAdministration}
	AdministeredBy = EdgeKind{"e_administered_by", End{fhir.KindMedicationAdministration, "ma_id"}, End{fhir.KindPractitioner, "practitioner_id"}, fhir.KindMedicationAdministration}
)

// Catalog lists every edge table.
func Catalog() []EdgeKind {
	return []EdgeKind{
		HasObservation, RecordedDuring, AuthoredBy,
		HasCondition,
		HadProcedure, PerformedBy,
		HadEncounter,
		HasMedRequest, RequestedBy,
		HasMedAdmin, AdministeredBy,
	}
}

func touching(kind fhir.Kind) []EdgeKind {
	var out []EdgeKind
	for _, e := range Catalog() {
		if e.column(kind) != "" {
			out = append(out, e)
		}
	}
	return out
}

type Edge struct {
	Kind   EdgeKind
	FromID string
	ToID   string
}

func (e Edge) keys() []string { return []string{e.Kind.From.Column, e.Kind.To.Column} }

func (e Edge) row() db.Row {
	return db.Row{
		{Name: e.Kind.From.Column, Value: e.FromID},
		{Name: e.Kind.To.Column, Value: e.ToID},
	}
}

// link builds the edge from the owning resource to ref. It reports false
// when ref is missing or points at a resource of another kind.
func link(kind EdgeKind, ownerID string, ref *fhir.Reference) (Edge, bool) {
	t := fhir.ExtractType(ref)
	id := fhir.ExtractID(ref)
	if t == nil || id == nil || *id == "" || *t != string(kind.far().Kind) {
		return Edge{}, false
	}
	if kind.Owner == kind.From.Kind {
		return Edge{Kind: kind, FromID: ownerID, ToID: *id}, true
	}
	return Edge{Kind: kind, FromID: *id, ToID: ownerID}, true
}

// links collects the edges that resolve.
func links(ownerID string, pairs ...linkSpec) []Edge {
	var out []Edge
	for _, p := range pairs {
		if e, ok := link(p.kind, ownerID, p.ref); ok {
			out = append(out, e)
		}
	}
	return out
}

type linkSpec struct {
	kind EdgeKind
	ref  *fhir.Reference
}
