package graph

import (
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/dispatch"
	"github.com/mehmetymw/fhirsink/internal/fhir"
)

// Register adds a graph writer for every supported kind.
func Register(reg *dispatch.Registry, dao *db.Dao, logger *zap.Logger) error {
	writers := []struct {
		kind fhir.Kind
		w    dispatch.Writer
	}{
		{fhir.KindPatient, NewWriter(Patient, dao, logger)},
		{fhir.KindObservation, NewWriter(Observation, dao, logger)},
		{fhir.KindEncounter, NewWriter(Encounter, dao, logger)},
		{fhir.KindCondition, NewWriter(Condition, dao, logger)},
		{fhir.KindProcedure, NewWriter(Procedure, dao, logger)},
		{fhir.KindMedicationRequest, NewWriter(MedicationRequest, dao, logger)},
		{fhir.KindMedicationAdministration, NewWriter(MedicationAdministration, dao, logger)},
		{fhir.KindPractitioner, NewWriter(Practitioner, dao, logger)},
		{fhir.KindLocation, NewWriter(Location, dao, logger)},
		{fhir.KindOrganization, NewWriter(Organization, dao, logger)},
	}
	for _, w := range writers {
		if err := reg.Register(w.kind, w.w); err != nil {
			return err
		}
	}
	return nil
}

var Patient = Entity[*fhir.Patient]{
	Kind:       fhir.KindPatient,
	Table:      "kg_patient",
	IDColumn:   "patient_id",
	KeyColumns: []string{"patient_id"},
	Vertices: func(p *fhir.Patient) []db.Row {
		return []db.Row{{
			{Name: "patient_id", Value: p.ID},
			{Name: "birth_date", Value: fhir.ToDateZeroTime(p.BirthDate)},
			{Name: "gender", Value: nonEmpty(p.Gender)},
			{Name: "first_name", Value: fhir.FirstGivenName(p.Name)},
			{Name: "last_name", Value: fhir.FamilyName(p.Name)},
		}}
	},
}

// Observation produces one vertex row per quantity metric, keyed by the
// metric's code. Metrics without a code are not stored.
var Observation = Entity[*fhir.Observation]{
	Kind:       fhir.KindObservation,
	Table:      "kg_observation",
	IDColumn:   "obs_id",
	KeyColumns: []string{"obs_id", "code"},
	Vertices: func(o *fhir.Observation) []db.Row {
		var rows []db.Row
		add := func(code *fhir.CodeableConcept, q *fhir.Quantity) {
			c := codingCode(code)
			if q == nil || c == nil {
				return
			}
			rows = append(rows, db.Row{
				{Name: "obs_id", Value: o.ID},
				{Name: "code", Value: c},
				{Name: "patient_id", Value: fhir.ExtractID(o.Subject)},
				{Name: "encounter_id", Value: fhir.ExtractID(o.Encounter)},
				{Name: "effective_start", Value: fhir.ValidDate(o.EffectiveStart())},
				{Name: "value_num", Value: q.Value},
				{Name: "unit", Value: q.Unit},
			})
		}
		add(o.Code, o.ValueQuantity)
		for i := range o.Component {
			add(o.Component[i].Code, o.Component[i].ValueQuantity)
		}
		return rows
	},
	Edges: func(o *fhir.Observation) []Edge {
		return links(o.ID,
			linkSpec{HasObservation, o.Subject},
			linkSpec{RecordedDuring, o.Encounter},
			linkSpec{AuthoredBy, firstRef(o.Performer)},
		)
	},
	Owns: []EdgeKind{HasObservation, RecordedDuring, AuthoredBy},
}

var Encounter = Entity[*fhir.Encounter]{
	Kind:       fhir.KindEncounter,
	Table:      "kg_encounter",
	IDColumn:   "encounter_id",
	KeyColumns: []string{"encounter_id"},
	Vertices: func(e *fhir.Encounter) []db.Row {
		var classCode, classDisplay *string
		if e.Class != nil {
			classCode, classDisplay = nonEmpty(e.Class.Code), nonEmpty(e.Class.Display)
		}
		typ := firstConcept(e.Type)
		return []db.Row{{
			{Name: "encounter_id", Value: e.ID},
			{Name: "patient_id", Value: fhir.ExtractID(e.Subject)},
			{Name: "period_start", Value: fhir.ValidDate(fhir.PeriodStart(e.Period))},
			{Name: "period_end", Value: fhir.ValidDate(fhir.PeriodEnd(e.Period))},
			{Name: "class_code", Value: classCode},
			{Name: "class_display", Value: classDisplay},
			{Name: "type_code", Value: codingCode(typ)},
			{Name: "type_display", Value: codingDisplay(typ)},
		}}
	},
	Edges: func(e *fhir.Encounter) []Edge {
		return links(e.ID, linkSpec{HadEncounter, e.Subject})
	},
	Owns: []EdgeKind{HadEncounter},
}

var Condition = Entity[*fhir.Condition]{
	Kind:       fhir.KindCondition,
	Table:      "kg_condition",
	IDColumn:   "cond_id",
	KeyColumns: []string{"cond_id"},
	Vertices: func(c *fhir.Condition) []db.Row {
		return []db.Row{{
			{Name: "cond_id", Value: c.ID},
			{Name: "patient_id", Value: fhir.ExtractID(c.Subject)},
			{Name: "code", Value: codingCode(c.Code)},
			{Name: "display", Value: codingDisplay(c.Code)},
			{Name: "clinical_status", Value: codingCode(c.ClinicalStatus)},
			{Name: "onset", Value: fhir.ValidDate(fhir.FirstNonEmpty(c.OnsetDateTime, fhir.PeriodStart(c.OnsetPeriod)))},
			{Name: "abatement", Value: fhir.ValidDate(fhir.FirstNonEmpty(c.AbatementDateTime, fhir.PeriodStart(c.AbatementPeriod)))},
		}}
	},
	Edges: func(c *fhir.Condition) []Edge {
		return links(c.ID, linkSpec{HasCondition, c.Subject})
	},
	Owns: []EdgeKind{HasCondition},
}

var Procedure = Entity[*fhir.Procedure]{
	Kind:       fhir.KindProcedure,
	Table:      "kg_procedure",
	IDColumn:   "proc_id",
	KeyColumns: []string{"proc_id"},
	Vertices: func(p *fhir.Procedure) []db.Row {
		return []db.Row{{
			{Name: "proc_id", Value: p.ID},
			{Name: "patient_id", Value: fhir.ExtractID(p.Subject)},
			{Name: "encounter_id", Value: fhir.ExtractID(p.Encounter)},
			{Name: "code", Value: codingCode(p.Code)},
			{Name: "display", Value: codingDisplay(p.Code)},
			{Name: "performed_start", Value: fhir.ValidDate(fhir.FirstNonEmpty(p.PerformedDateTime, fhir.PeriodStart(p.PerformedPeriod)))},
			{Name: "performer_id", Value: fhir.ExtractID(procedureActor(p))},
		}}
	},
	Edges: func(p *fhir.Procedure) []Edge {
		return links(p.ID,
			linkSpec{HadProcedure, p.Subject},
			linkSpec{PerformedBy, procedureActor(p)},
		)
	},
	Owns: []EdgeKind{HadProcedure, PerformedBy},
}

var MedicationRequest = Entity[*fhir.MedicationRequest]{
	Kind:       fhir.KindMedicationRequest,
	Table:      "kg_med_request",
	IDColumn:   "mr_id",
	KeyColumns: []string{"mr_id"},
	Vertices: func(m *fhir.MedicationRequest) []db.Row {
		return []db.Row{{
			{Name: "mr_id", Value: m.ID},
			{Name: "patient_id", Value: fhir.ExtractID(m.Subject)},
			{Name: "practitioner_id", Value: fhir.ExtractID(m.Requester)},
			{Name: "code", Value: codingCode(m.MedicationCodeableConcept)},
			{Name: "display", Value: codingDisplay(m.MedicationCodeableConcept)},
			{Name: "status", Value: nonEmpty(m.Status)},
			{Name: "authored_on", Value: fhir.ValidDate(m.AuthoredOn)},
		}}
	},
	Edges: func(m *fhir.MedicationRequest) []Edge {
		return links(m.ID,
			linkSpec{HasMedRequest, m.Subject},
			linkSpec{RequestedBy, m.Requester},
		)
	},
	Owns: []EdgeKind{HasMedRequest, RequestedBy},
}

var MedicationAdministration = Entity[*fhir.MedicationAdministration]{
	Kind:       fhir.KindMedicationAdministration,
	Table:      "kg_med_admin",
	IDColumn:   "ma_id",
	KeyColumns: []string{"ma_id"},
	Vertices: func(m *fhir.MedicationAdministration) []db.Row {
		return []db.Row{{
			{Name: "ma_id", Value: m.ID},
			{Name: "patient_id", Value: fhir.ExtractID(m.Subject)},
			{Name: "practitioner_id", Value: fhir.ExtractID(administrationActor(m))},
			{Name: "code", Value: codingCode(m.MedicationCodeableConcept)},
			{Name: "effective_start", Value: fhir.ValidDate(fhir.FirstNonEmpty(m.EffectiveDateTime, fhir.PeriodStart(m.EffectivePeriod)))},
		}}
	},
	Edges: func(m *fhir.MedicationAdministration) []Edge {
		return links(m.ID,
			linkSpec{HasMedAdmin, m.Subject},
			linkSpec{AdministeredBy, administrationActor(m)},
		)
	},
	Owns: []EdgeKind{HasMedAdmin, AdministeredBy},
}

var Practitioner = Entity[*fhir.Practitioner]{
	Kind:       fhir.KindPractitioner,
	Table:      "kg_practitioner",
	IDColumn:   "practitioner_id",
	KeyColumns: []string{"practitioner_id"},
	Vertices: func(p *fhir.Practitioner) []db.Row {
		return []db.Row{{
			{Name: "practitioner_id", Value: p.ID},
			{Name: "name", Value: fhir.FirstFullName(p.Name)},
		}}
	},
}

var Location = Entity[*fhir.Location]{
	Kind:       fhir.KindLocation,
	Table:      "kg_location",
	IDColumn:   "location_id",
	KeyColumns: []string{"location_id"},
	Vertices: func(l *fhir.Location) []db.Row {
		return []db.Row{{
			{Name: "location_id", Value: l.ID},
			{Name: "name", Value: l.Name},
			{Name: "type", Value: fhir.FirstTypeCode(l.Type)},
		}}
	},
}

var Organization = Entity[*fhir.Organization]{
	Kind:       fhir.KindOrganization,
	Table:      "kg_organization",
	IDColumn:   "org_id",
	KeyColumns: []string{"org_id"},
	Vertices: func(o *fhir.Organization) []db.Row {
		return []db.Row{{
			{Name: "org_id", Value: o.ID},
			{Name: "name", Value: o.Name},
			{Name: "type", Value: fhir.FirstTypeCode(o.Type)},
		}}
	},
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func codingCode(c *fhir.CodeableConcept) *string {
	if cd := c.FirstCoding(); cd != nil {
		return nonEmpty(cd.Code)
	}
	return nil
}

func codingDisplay(c *fhir.CodeableConcept) *string {
	if cd := c.FirstCoding(); cd != nil {
		return nonEmpty(cd.Display)
	}
	return nil
}

func firstConcept(cs []fhir.CodeableConcept) *fhir.CodeableConcept {
	if len(cs) == 0 {
		return nil
	}
	return &cs[0]
}

func firstRef(refs []fhir.Reference) *fhir.Reference {
	if len(refs) == 0 {
		return nil
	}
	return &refs[0]
}

func procedureActor(p *fhir.Procedure) *fhir.Reference {
	if len(p.Performer) == 0 {
		return nil
	}
	return p.Performer[0].Actor
}

func administrationActor(m *fhir.MedicationAdministration) *fhir.Reference {
	if len(m.Performer) == 0 {
		return nil
	}
	return m.Performer[0].Actor
}
