package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentType is the content type of a broker envelope.
const ContentType = "application/json"

// MarshalEnvelope serializes a record into its broker wire form.
func MarshalEnvelope(r Record) ([]byte, error) {
	if r.ChangedFields == nil {
		r.ChangedFields = []string{}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal audit envelope: %w", err)
	}
	return body, nil
}

// UnmarshalEnvelope decodes a broker envelope. Field names are matched
// case-insensitively and numbers are kept as json.Number so that values
// survive the round trip unchanged. The decoded record is validated; a
// failure here marks the message as poison.
func UnmarshalEnvelope(body []byte) (*Record, error) {
	var raw struct {
		Record
		Operation string `json:"operation"`
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrInvalidRecord, err)
	}

	op, err := ParseOperation(raw.Operation)
	if err != nil {
		return nil, err
	}

	r := raw.Record
	r.Operation = op
	if r.ChangedFields == nil {
		r.ChangedFields = []string{}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
