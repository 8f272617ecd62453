package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/types"
)

var (
	// ErrMalformed marks payloads that are not a well-formed envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalid marks well-formed envelopes whose resource fails validation.
	ErrInvalid = errors.New("invalid resource")
)

// Decode turns a delivery into a validated change event.
func Decode(d types.Delivery) (types.ChangeEvent, error) {
	if !utf8.Valid(d.Data) {
		return types.ChangeEvent{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformed)
	}

	env, err := decodeEnvelope(d.Data)
	if err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if !env.Op.Valid() {
		return types.ChangeEvent{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, env.Op)
	}
	kind, err := fhir.ParseKind(string(env.ResourceKind))
	if err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	raw := []byte(env.Resource)
	res, err := fhir.Parse(kind, raw)
	if err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return types.ChangeEvent{
		Op:       env.Op,
		Kind:     kind,
		Raw:      json.RawMessage(raw),
		Resource: res,
		Seq:      d.Seq,
		Subject:  d.Subject,
	}, nil
}

// envelope uses pointers so missing members can be told apart from empty ones.
type envelope struct {
	Op           *types.Op  `json:"op"`
	ResourceKind *fhir.Kind `json:"resourceKind"`
	Resource     *string    `json:"resource"`
}

func decodeEnvelope(data []byte) (types.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e envelope
	if err := dec.Decode(&e); err != nil {
		return types.Envelope{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return types.Envelope{}, errors.New("trailing data after envelope")
	}

	switch {
	case e.Op == nil:
		return types.Envelope{}, errors.New("missing op")
	case e.ResourceKind == nil:
		return types.Envelope{}, errors.New("missing resourceKind")
	case e.Resource == nil:
		return types.Envelope{}, errors.New("missing resource")
	}
	return types.Envelope{Op: *e.Op, ResourceKind: *e.ResourceKind, Resource: *e.Resource}, nil
}
