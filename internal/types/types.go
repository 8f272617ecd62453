package types

import (
	"encoding/json"

	"github.com/mehmetymw/fhirsink/internal/fhir"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Delivery is one raw message as handed over by a transport source.
type Delivery struct {
	Data    []byte
	Seq     uint64
	Subject string
}

// Envelope is the wire form of a change event. Resource holds the resource
// JSON as a string.
type Envelope struct {
	Op           Op        `json:"op"`
	ResourceKind fhir.Kind `json:"resourceKind"`
	Resource     string    `json:"resource"`
}

func NewEnvelope(op Op, kind fhir.Kind, resource []byte) ([]byte, error) {
	return json.Marshal(Envelope{Op: op, ResourceKind: kind, Resource: string(resource)})
}

// ChangeEvent is a decoded and validated envelope.
type ChangeEvent struct {
	Op       Op
	Kind     fhir.Kind
	Raw      json.RawMessage
	Resource fhir.Resource
	Seq      uint64
	Subject  string
}
