package router

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the shape of a decoded router payload.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindMapping
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	default:
		return "absent"
	}
}

// Entry is one key/value pair of a mapping payload.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Payload is a router response resolved once into one of three shapes.
// Mapping entries keep the key order of the JSON document. Scalars, null
// and undecodable bodies are Absent.
type Payload struct {
	Kind    Kind
	Entries []Entry           // KindMapping
	Items   []json.RawMessage // KindSequence
}

// Absent is the payload used for failed or empty responses.
func Absent() Payload { return Payload{Kind: KindAbsent} }

// DecodePayload parses a JSON document into a Payload.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return Absent(), fmt.Errorf("decode payload: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return Absent(), nil
	}

	switch delim {
	case '{':
		p := Payload{Kind: KindMapping}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return Absent(), fmt.Errorf("decode mapping key: %w", err)
			}
			key, _ := keyTok.(string)
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return Absent(), fmt.Errorf("decode mapping value %q: %w", key, err)
			}
			p.Entries = append(p.Entries, Entry{Key: key, Value: raw})
		}
		if _, err := dec.Token(); err != nil {
			return Absent(), fmt.Errorf("decode mapping end: %w", err)
		}
		return p, nil
	case '[':
		p := Payload{Kind: KindSequence}
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return Absent(), fmt.Errorf("decode sequence item %d: %w", len(p.Items), err)
			}
			p.Items = append(p.Items, raw)
		}
		if _, err := dec.Token(); err != nil {
			return Absent(), fmt.Errorf("decode sequence end: %w", err)
		}
		return p, nil
	default:
		return Absent(), fmt.Errorf("decode payload: unexpected delimiter %q", delim)
	}
}

// Lookup returns the value stored under key in a mapping payload. When a
// key repeats, the last occurrence wins, as with any JSON object decoder.
func (p Payload) Lookup(key string) (json.RawMessage, bool) {
	if p.Kind != KindMapping {
		return nil, false
	}
	for i := len(p.Entries) - 1; i >= 0; i-- {
		if p.Entries[i].Key == key {
			return p.Entries[i].Value, true
		}
	}
	return nil, false
}

// Values returns the mapping values in key order, or the sequence items.
func (p Payload) Values() []json.RawMessage {
	switch p.Kind {
	case KindMapping:
		vals := make([]json.RawMessage, 0, len(p.Entries))
		for _, e := range p.Entries {
			vals = append(vals, e.Value)
		}
		return vals
	case KindSequence:
		return p.Items
	default:
		return nil
	}
}

// Len is the number of entries or items.
func (p Payload) Len() int {
	switch p.Kind {
	case KindMapping:
		return len(p.Entries)
	case KindSequence:
		return len(p.Items)
	default:
		return 0
	}
}
