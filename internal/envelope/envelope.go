// Package envelope implements the length-prefixed wire record used on
// every socket in the system: control-to-collector and
// collector-to-device alike.
package envelope

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/anpopa/tkmcollector/internal/model"
)

// Envelope is the universal framed wire record. Origin and Target are
// peer-role tags; Payload carries one of a closed set of inner message
// types, registered with gob at init time (see payloads.go). Readers
// discard envelopes whose Origin does not match the expected peer role.
type Envelope struct {
	Origin  model.Role
	Target  model.Role
	Payload interface{}
}

// New builds an Envelope carrying payload from origin to target.
func New(origin, target model.Role, payload interface{}) Envelope {
	return Envelope{Origin: origin, Target: target, Payload: payload}
}

// Marshal serialises the Envelope body (everything after the length
// prefix) using gob. The length prefix itself is added by the framing
// layer (framing.go), not here, so Marshal/Unmarshal only deal with the
// body bytes.
func Marshal(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a previously framed envelope body.
func Unmarshal(body []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return e, nil
}
