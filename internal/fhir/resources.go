package fhir

// Value carries the Observation value[x] choice. It is embedded in both the
// observation root and its components so the JSON element names line up.
type Value struct {
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          *string          `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int64           `json:"valueInteger,omitempty"`
	ValueRange           *Range           `json:"valueRange,omitempty"`
	ValueRatio           *Ratio           `json:"valueRatio,omitempty"`
	ValueTime            *string          `json:"valueTime,omitempty"`
	ValueDateTime        *string          `json:"valueDateTime,omitempty"`
	ValuePeriod          *Period          `json:"valuePeriod,omitempty"`
}

func (v *Value) validate(kind Kind, field string) error {
	for _, q := range v.quantities() {
		if err := q.validate(); err != nil {
			return invalid(kind, field, err)
		}
	}
	return nil
}

func (v *Value) quantities() []*Quantity {
	out := []*Quantity{v.ValueQuantity}
	if v.ValueRange != nil {
		out = append(out, v.ValueRange.Low, v.ValueRange.High)
	}
	if v.ValueRatio != nil {
		out = append(out, v.ValueRatio.Numerator, v.ValueRatio.Denominator)
	}
	return out
}

type ObservationComponent struct {
	Code *CodeableConcept `json:"code"`
	Value
}

type Observation struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id"`
	Status            string                 `json:"status,omitempty"`
	Code              *CodeableConcept       `json:"code,omitempty"`
	Subject           *Reference             `json:"subject,omitempty"`
	Encounter         *Reference             `json:"encounter,omitempty"`
	EffectiveDateTime *string                `json:"effectiveDateTime,omitempty"`
	EffectivePeriod   *Period                `json:"effectivePeriod,omitempty"`
	EffectiveInstant  *string                `json:"effectiveInstant,omitempty"`
	Performer         []Reference            `json:"performer,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
	Value
}

func (o *Observation) ResourceKind() Kind { return KindObservation }
func (o *Observation) ResourceID() string { return o.ID }

func (o *Observation) Validate() error {
	err := oneOf(KindObservation, "status", o.Status,
		"registered", "preliminary", "final", "amended", "corrected",
		"cancelled", "entered-in-error", "unknown")
	if err != nil {
		return err
	}
	if err := o.Value.validate(KindObservation, "value"); err != nil {
		return err
	}
	for i := range o.Component {
		c := &o.Component[i]
		if c.Code == nil {
			return invalid(KindObservation, "component.code", errRequired)
		}
		if err := c.Value.validate(KindObservation, "component"); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveStart resolves effective[x] to a start instant string.
func (o *Observation) EffectiveStart() *string {
	if o.EffectivePeriod != nil && o.EffectivePeriod.Start != "" {
		s := o.EffectivePeriod.Start
		return &s
	}
	if o.EffectiveDateTime != nil {
		return o.EffectiveDateTime
	}
	return o.EffectiveInstant
}

// EffectiveEnd resolves effective[x] to an end instant string.
func (o *Observation) EffectiveEnd() *string {
	if o.EffectivePeriod != nil && o.EffectivePeriod.End != "" {
		s := o.EffectivePeriod.End
		return &s
	}
	if o.EffectiveDateTime != nil {
		return o.EffectiveDateTime
	}
	return o.EffectiveInstant
}

type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         []HumanName `json:"name,omitempty"`
	Gender       string      `json:"gender,omitempty"`
	BirthDate    *string     `json:"birthDate,omitempty"`
}

func (p *Patient) ResourceKind() Kind { return KindPatient }
func (p *Patient) ResourceID() string { return p.ID }

func (p *Patient) Validate() error {
	return oneOf(KindPatient, "gender", p.Gender, "male", "female", "other", "unknown")
}

type Encounter struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Subject      *Reference        `json:"subject,omitempty"`
	Period       *Period           `json:"period,omitempty"`
	Class        *Coding           `json:"class,omitempty"`
	Type         []CodeableConcept `json:"type,omitempty"`
}

func (e *Encounter) ResourceKind() Kind { return KindEncounter }
func (e *Encounter) ResourceID() string { return e.ID }
func (e *Encounter) Validate() error    { return nil }

type Condition struct {
	ResourceType      string           `json:"resourceType"`
	ID                string           `json:"id"`
	Subject           *Reference       `json:"subject,omitempty"`
	Encounter         *Reference       `json:"encounter,omitempty"`
	Code              *CodeableConcept `json:"code,omitempty"`
	ClinicalStatus    *CodeableConcept `json:"clinicalStatus,omitempty"`
	OnsetDateTime     *string          `json:"onsetDateTime,omitempty"`
	OnsetPeriod       *Period          `json:"onsetPeriod,omitempty"`
	AbatementDateTime *string          `json:"abatementDateTime,omitempty"`
	AbatementPeriod   *Period          `json:"abatementPeriod,omitempty"`
}

func (c *Condition) ResourceKind() Kind { return KindCondition }
func (c *Condition) ResourceID() string { return c.ID }
func (c *Condition) Validate() error    { return nil }

type ProcedurePerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    *Reference       `json:"actor,omitempty"`
}

type Procedure struct {
	ResourceType      string               `json:"resourceType"`
	ID                string               `json:"id"`
	Subject           *Reference           `json:"subject,omitempty"`
	Encounter         *Reference           `json:"encounter,omitempty"`
	Code              *CodeableConcept     `json:"code,omitempty"`
	PerformedDateTime *string              `json:"performedDateTime,omitempty"`
	PerformedPeriod   *Period              `json:"performedPeriod,omitempty"`
	Performer         []ProcedurePerformer `json:"performer,omitempty"`
}

func (p *Procedure) ResourceKind() Kind { return KindProcedure }
func (p *Procedure) ResourceID() string { return p.ID }
func (p *Procedure) Validate() error    { return nil }

type MedicationRequest struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id"`
	Subject                   *Reference       `json:"subject,omitempty"`
	Requester                 *Reference       `json:"requester,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Status                    string           `json:"status,omitempty"`
	AuthoredOn                *string          `json:"authoredOn,omitempty"`
}

func (m *MedicationRequest) ResourceKind() Kind { return KindMedicationRequest }
func (m *MedicationRequest) ResourceID() string { return m.ID }

func (m *MedicationRequest) Validate() error {
	return oneOf(KindMedicationRequest, "status", m.Status,
		"active", "on-hold", "cancelled", "completed",
		"entered-in-error", "stopped", "draft", "unknown")
}

type MedicationAdministrationPerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    *Reference       `json:"actor"`
}

type MedicationAdministration struct {
	ResourceType              string                              `json:"resourceType"`
	ID                        string                              `json:"id"`
	Subject                   *Reference                          `json:"subject,omitempty"`
	Performer                 []MedicationAdministrationPerformer `json:"performer,omitempty"`
	MedicationCodeableConcept *CodeableConcept                    `json:"medicationCodeableConcept,omitempty"`
	EffectiveDateTime         *string                             `json:"effectiveDateTime,omitempty"`
	EffectivePeriod           *Period                             `json:"effectivePeriod,omitempty"`
}

func (m *MedicationAdministration) ResourceKind() Kind { return KindMedicationAdministration }
func (m *MedicationAdministration) ResourceID() string { return m.ID }

func (m *MedicationAdministration) Validate() error {
	for _, p := range m.Performer {
		if p.Actor == nil {
			return invalid(KindMedicationAdministration, "performer.actor", errRequired)
		}
	}
	return nil
}

type Practitioner struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         []HumanName `json:"name,omitempty"`
}

func (p *Practitioner) ResourceKind() Kind { return KindPractitioner }
func (p *Practitioner) ResourceID() string { return p.ID }
func (p *Practitioner) Validate() error    { return nil }

type Location struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Name         *string           `json:"name,omitempty"`
	Type         []CodeableConcept `json:"type,omitempty"`
}

func (l *Location) ResourceKind() Kind { return KindLocation }
func (l *Location) ResourceID() string { return l.ID }
func (l *Location) Validate() error    { return nil }

type Organization struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Name         *string           `json:"name,omitempty"`
	Type         []CodeableConcept `json:"type,omitempty"`
}

func (o *Organization) ResourceKind() Kind { return KindOrganization }
func (o *Organization) ResourceID() string { return o.ID }
func (o *Organization) Validate() error    { return nil }

// FirstTypeCode returns the code of the first coding of the first type.
func FirstTypeCode(types []CodeableConcept) *string {
	if len(types) == 0 {
		return nil
	}
	c := types[0].FirstCoding()
	if c == nil || c.Code == "" {
		return nil
	}
	code := c.Code
	return &code
}
