package router

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// StateReachable is the only ARP state treated as proof of presence.
const StateReachable = "REACHABLE"

// KnownHost is a named entry of the router's host registry.
type KnownHost struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// ARPEntry is a row of the router's neighbor table.
type ARPEntry struct {
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	Name      string `json:"name,omitempty"`
	Interface string `json:"interface,omitempty"`
	Reachable bool   `json:"reachable"`
}

// HotspotHost is an entry of the hotspot host list. Online is the
// hotspot's own flag and is not used to decide liveness.
type HotspotHost struct {
	MAC    string `json:"mac"`
	Policy string `json:"policy,omitempty"`
	Name   string `json:"name,omitempty"`
	Online bool   `json:"online"`
}

// NormalizeKnownHosts accepts either {known:{host:{name:record}}} or a bare
// {name:record} mapping and returns the records that carry a MAC, in
// document order.
func NormalizeKnownHosts(p Payload) []KnownHost {
	hosts := knownHostMapping(p)
	out := make([]KnownHost, 0, len(hosts.Entries))
	for _, e := range hosts.Entries {
		fields, ok := objectFields(e.Value)
		if !ok {
			continue
		}
		mac := stringField(fields, "mac")
		if mac == "" {
			continue
		}
		out = append(out, KnownHost{Name: e.Key, MAC: mac})
	}
	return out
}

// knownHostMapping prefers the nested known.host value. A nested sequence is
// keyed by item index.
func knownHostMapping(p Payload) Payload {
	if known, ok := p.Lookup("known"); ok {
		if kp, err := DecodePayload(known); err == nil {
			if host, ok := kp.Lookup("host"); ok {
				if hp, err := DecodePayload(host); err == nil {
					switch hp.Kind {
					case KindMapping:
						return hp
					case KindSequence:
						return indexed(hp)
					}
				}
			}
		}
	}
	if p.Kind == KindMapping {
		return p
	}
	return Absent()
}

func indexed(p Payload) Payload {
	m := Payload{Kind: KindMapping, Entries: make([]Entry, 0, len(p.Items))}
	for i, item := range p.Items {
		m.Entries = append(m.Entries, Entry{Key: strconv.Itoa(i), Value: item})
	}
	return m
}

// NormalizeARP returns the neighbor table rows. Only sequence payloads are
// accepted.
func NormalizeARP(p Payload) []ARPEntry {
	if p.Kind != KindSequence {
		return []ARPEntry{}
	}
	out := make([]ARPEntry, 0, len(p.Items))
	for _, item := range p.Items {
		fields, ok := objectFields(item)
		if !ok {
			continue
		}
		mac := stringField(fields, "mac")
		if mac == "" {
			continue
		}
		ip := stringField(fields, "ip")
		if ip == "" {
			ip = stringField(fields, "address")
		}
		out = append(out, ARPEntry{
			MAC:       mac,
			IP:        ip,
			Name:      stringField(fields, "name"),
			Interface: stringField(fields, "interface"),
			Reachable: stringField(fields, "state") == StateReachable,
		})
	}
	return out
}

// NormalizeHotspot returns the hotspot hosts from a sequence, or from the
// values of a mapping.
func NormalizeHotspot(p Payload) []HotspotHost {
	vals := p.Values()
	out := make([]HotspotHost, 0, len(vals))
	for _, item := range vals {
		fields, ok := objectFields(item)
		if !ok {
			continue
		}
		mac := stringField(fields, "mac")
		if mac == "" {
			continue
		}
		name := stringField(fields, "hostname")
		if name == "" {
			name = stringField(fields, "name")
		}
		out = append(out, HotspotHost{
			MAC:    mac,
			Policy: stringField(fields, "policy"),
			Name:   name,
			Online: isTrue(fields["online"]),
		})
	}
	return out
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// stringField returns the field when it is a JSON string, "" otherwise.
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func isTrue(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
}
