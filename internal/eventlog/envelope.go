// Package eventlog defines the canonical event envelope, its stable
// serialization, and the SSE wire encoding shared by the store, the
// registry's emitter, and the HTTP stream handler.
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// SchemaVersion is the envelope schema version. Bump only on a breaking
// change to the wire shape.
const SchemaVersion = 1

// Terminals is the set of event types that end a job's stream. Exactly one
// terminal event is ever emitted per job, and it always carries the
// greatest id.
var Terminals = map[string]bool{
	"finished":  true,
	"failed":    true,
	"cancelled": true,
	"shutdown":  true,
}

// IsTerminal reports whether typ is one of the terminal event types.
func IsTerminal(typ string) bool { return Terminals[typ] }

// Envelope is the canonical, on-wire and on-disk shape of one job event.
// Field order here is the field order serialized to JSON: type,
// schema_version, job_id, ts, id, data.
type Envelope struct {
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	JobID         string          `json:"job_id"`
	TS            float64         `json:"ts"`
	ID            int64           `json:"id"`
	Data          json.RawMessage `json:"data"`
}

// New builds an envelope, marshaling data with stable (sorted) key order
// so that two equal payloads always produce byte-identical output,
// regardless of map iteration order.
func New(typ, jobID string, id int64, ts float64, data any) (Envelope, error) {
	raw, err := MarshalStable(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventlog: marshal data: %w", err)
	}
	return Envelope{
		Type:          typ,
		SchemaVersion: SchemaVersion,
		JobID:         jobID,
		TS:            ts,
		ID:            id,
		Data:          raw,
	}, nil
}

// MarshalStable marshals v to JSON with map keys sorted, so the same
// logical value always serializes to the same bytes. encoding/json
// already does this for struct fields (declaration order) and, since
// Go 1.12, for map[string]V, but we route untyped map[string]any payloads
// (the common shape for driver-supplied event data) through this helper
// explicitly so the guarantee doesn't depend on stdlib internals.
func MarshalStable(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return []byte("{}"), nil
		}
		return canonicalizeJSON(t)
	case map[string]any:
		return marshalSortedMap(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return canonicalizeJSON(raw)
	}
}

func canonicalizeJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return marshalSortedMap(m)
	}
	return json.Marshal(v)
}

func marshalSortedMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalStable(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode returns the stable-order JSON encoding of the full envelope, as
// stored in the on-disk events table and as the payload of the SSE
// "data:" line.
func (e Envelope) Encode() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:", "type")
	typeJSON, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	buf.Write(typeJSON)
	fmt.Fprintf(&buf, `,"schema_version":%d`, e.SchemaVersion)
	jobIDJSON, err := json.Marshal(e.JobID)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, `,"job_id":`)
	buf.Write(jobIDJSON)
	fmt.Fprintf(&buf, `,"ts":%s`, formatFloat(e.TS))
	fmt.Fprintf(&buf, `,"id":%d`, e.ID)
	fmt.Fprintf(&buf, `,"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// WritePrelude writes the SSE reconnect-delay prelude line.
func WritePrelude(w io.Writer, retryMS int) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", retryMS)
	return err
}

// WriteKeepAlive writes a single SSE comment line used as a keep-alive.
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ":\n\n")
	return err
}

// WriteSSE writes one full SSE frame for env: an id line, an event line,
// and a data line carrying the encoded envelope, terminated by a blank
// line.
func WriteSSE(w io.Writer, env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", env.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", env.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return err
	}
	return nil
}
