package router

import "testing"

func mustDecode(t *testing.T, body string) Payload {
	t.Helper()
	p, err := DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("DecodePayload(%s): %v", body, err)
	}
	return p
}

func TestDecodePayloadKinds(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind Kind
		len  int
	}{
		{"mapping", `{"a":1,"b":2}`, KindMapping, 2},
		{"sequence", `[1,2,3]`, KindSequence, 3},
		{"empty mapping", `{}`, KindMapping, 0},
		{"null", `null`, KindAbsent, 0},
		{"string", `"hello"`, KindAbsent, 0},
		{"number", `42`, KindAbsent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustDecode(t, tt.body)
			if p.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", p.Kind, tt.kind)
			}
			if p.Len() != tt.len {
				t.Errorf("len = %d, want %d", p.Len(), tt.len)
			}
		})
	}
}

func TestDecodePayloadInvalid(t *testing.T) {
	for _, body := range []string{``, `{`, `[1,`, `{"a":}`, `<html>`} {
		p, err := DecodePayload([]byte(body))
		if err == nil {
			t.Errorf("DecodePayload(%q): expected error", body)
		}
		if p.Kind != KindAbsent {
			t.Errorf("DecodePayload(%q) kind = %v, want absent", body, p.Kind)
		}
	}
}

func TestDecodePayloadKeepsKeyOrder(t *testing.T) {
	p := mustDecode(t, `{"zeta":1,"alpha":2,"mid":3}`)
	want := []string{"zeta", "alpha", "mid"}
	for i, e := range p.Entries {
		if e.Key != want[i] {
			t.Errorf("entry %d key = %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestNormalizeKnownHostsNested(t *testing.T) {
	p := mustDecode(t, `{"known":{"host":{
		"laptop":{"mac":"AA:BB:CC:00:00:01","ip":"x"},
		"phone":{"mac":"aa:bb:cc:00:00:02"},
		"broken":{"name":"no mac"},
		"scalar":"value"
	}}}`)
	hosts := NormalizeKnownHosts(p)
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d, want 2: %+v", len(hosts), hosts)
	}
	if hosts[0].Name != "laptop" || hosts[0].MAC != "AA:BB:CC:00:00:01" {
		t.Errorf("hosts[0] = %+v", hosts[0])
	}
	if hosts[1].Name != "phone" || hosts[1].MAC != "aa:bb:cc:00:00:02" {
		t.Errorf("hosts[1] = %+v", hosts[1])
	}
}

func TestNormalizeKnownHostsBare(t *testing.T) {
	p := mustDecode(t, `{"tv":{"mac":"11:22:33:44:55:66"}}`)
	hosts := NormalizeKnownHosts(p)
	if len(hosts) != 1 || hosts[0].Name != "tv" {
		t.Fatalf("hosts = %+v, want tv", hosts)
	}
}

func TestNormalizeKnownHostsNestedSequence(t *testing.T) {
	p := mustDecode(t, `{"known":{"host":[{"mac":"11:22:33:44:55:66"},{"name":"no mac"},{"mac":"11:22:33:44:55:77"}]}}`)
	hosts := NormalizeKnownHosts(p)
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d, want 2: %+v", len(hosts), hosts)
	}
	if hosts[0].Name != "0" || hosts[1].Name != "2" || hosts[1].MAC != "11:22:33:44:55:77" {
		t.Errorf("hosts = %+v", hosts)
	}
}

func TestNormalizeKnownHostsNonMapping(t *testing.T) {
	for _, body := range []string{`[]`, `null`, `[{"mac":"11:22:33:44:55:66"}]`} {
		if hosts := NormalizeKnownHosts(mustDecode(t, body)); len(hosts) != 0 {
			t.Errorf("NormalizeKnownHosts(%s) = %+v, want empty", body, hosts)
		}
	}
	if hosts := NormalizeKnownHosts(Absent()); len(hosts) != 0 {
		t.Errorf("absent = %+v, want empty", hosts)
	}
}

func TestNormalizeARP(t *testing.T) {
	p := mustDecode(t, `[
		{"mac":"AA:00:00:00:00:01","ip":"192.168.1.10","state":"REACHABLE","interface":"Bridge0"},
		{"mac":"AA:00:00:00:00:02","address":"192.168.1.11","state":"STALE"},
		{"mac":"AA:00:00:00:00:03"},
		{"ip":"192.168.1.99","state":"REACHABLE"},
		"junk"
	]`)
	entries := NormalizeARP(p)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if !entries[0].Reachable || entries[0].IP != "192.168.1.10" || entries[0].Interface != "Bridge0" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Reachable || entries[1].IP != "192.168.1.11" {
		t.Errorf("entries[1] = %+v, want address fallback and not reachable", entries[1])
	}
	if entries[2].Reachable || entries[2].IP != "" {
		t.Errorf("entries[2] = %+v", entries[2])
	}
}

func TestNormalizeARPRequiresSequence(t *testing.T) {
	p := mustDecode(t, `{"a":{"mac":"AA:00:00:00:00:01","state":"REACHABLE"}}`)
	if entries := NormalizeARP(p); len(entries) != 0 {
		t.Errorf("entries = %+v, want empty", entries)
	}
}

func TestNormalizeHotspot(t *testing.T) {
	seq := mustDecode(t, `[
		{"mac":"AA:00:00:00:00:01","policy":"Policy0","online":true,"hostname":"desk"},
		{"mac":"AA:00:00:00:00:02","online":"true","name":"fallback"}
	]`)
	hosts := NormalizeHotspot(seq)
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(hosts))
	}
	if !hosts[0].Online || hosts[0].Policy != "Policy0" || hosts[0].Name != "desk" {
		t.Errorf("hosts[0] = %+v", hosts[0])
	}
	if hosts[1].Online {
		t.Error("hosts[1].Online = true, want false for non-boolean flag")
	}
	if hosts[1].Name != "fallback" {
		t.Errorf("hosts[1].Name = %q, want fallback", hosts[1].Name)
	}

	mapping := mustDecode(t, `{"x":{"mac":"AA:00:00:00:00:03"},"y":{"mac":"AA:00:00:00:00:04"}}`)
	hosts = NormalizeHotspot(mapping)
	if len(hosts) != 2 || hosts[0].MAC != "AA:00:00:00:00:03" {
		t.Errorf("mapping hosts = %+v", hosts)
	}

	if hosts := NormalizeHotspot(mustDecode(t, `"nope"`)); len(hosts) != 0 {
		t.Errorf("scalar hosts = %+v, want empty", hosts)
	}
}
