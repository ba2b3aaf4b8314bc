// Package reconcile merges the router's device sources into one device list.
package reconcile

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"keenetic-vpn/internal/router"
)

// Default policy identifiers.
const (
	DefaultVPNPolicy   = "Policy0"
	DefaultNoVPNPolicy = "Policy1"
)

// Policies names the VPN-routed and the direct routing profile.
type Policies struct {
	VPN   string `json:"vpn"`
	NoVPN string `json:"noVpn"`
}

// WithDefaults fills empty identifiers with Policy0/Policy1.
func (p Policies) WithDefaults() Policies {
	if p.VPN == "" {
		p.VPN = DefaultVPNPolicy
	}
	if p.NoVPN == "" {
		p.NoVPN = DefaultNoVPNPolicy
	}
	return p
}

// Device is one client of the router after reconciliation. Online is the
// raw, undebounced signal.
type Device struct {
	MAC       string    `json:"mac"`
	Name      string    `json:"name"`
	IP        string    `json:"ip"`
	Policy    string    `json:"policy"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen"`
	Interface string    `json:"interface"`
}

// Key returns the identity key of a MAC address.
func Key(mac string) string {
	return strings.ToLower(mac)
}

// PlaceholderName derives a display name for a device no source named.
func PlaceholderName(mac string) string {
	hex := strings.ReplaceAll(mac, ":", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return "Device " + hex
}

type arpInfo struct {
	ip        string
	iface     string
	reachable bool
	seen      time.Time
}

// hotspotInfo keeps the hotspot's online flag only for completeness; it is
// never used to decide liveness.
type hotspotInfo struct {
	policy string
	online bool
}

type merger struct {
	policies Policies
	now      time.Time
	arp      map[string]arpInfo
	hotspot  map[string]hotspotInfo
	devices  map[string]int
	out      []Device
}

// insert adds d unless a device with the same key is already present.
func (m *merger) insert(d Device) {
	key := Key(d.MAC)
	if _, ok := m.devices[key]; ok {
		return
	}
	m.devices[key] = len(m.out)
	m.out = append(m.out, d)
}

// replace stores d over any device with the same key, keeping its position.
func (m *merger) replace(d Device) {
	key := Key(d.MAC)
	if i, ok := m.devices[key]; ok {
		m.out[i] = d
		return
	}
	m.devices[key] = len(m.out)
	m.out = append(m.out, d)
}

func (m *merger) has(mac string) bool {
	_, ok := m.devices[Key(mac)]
	return ok
}

func (m *merger) policyFor(mac string) string {
	if h, ok := m.hotspot[Key(mac)]; ok && h.policy != "" {
		return h.policy
	}
	return m.policies.NoVPN
}

type mergePass struct {
	name string
	run  func(m *merger, src router.Sources)
}

// mergePasses run in precedence order. Each pass only inserts devices whose
// MAC no earlier pass produced. Within the known hosts a later entry for the
// same MAC replaces an earlier one; within ARP and hotspot the first wins.
var mergePasses = []mergePass{
	{name: "known hosts", run: mergeKnownHosts},
	{name: "arp", run: mergeARP},
	{name: "hotspot", run: mergeHotspot},
}

func mergeKnownHosts(m *merger, src router.Sources) {
	for _, h := range src.KnownHosts {
		d := Device{
			MAC:      h.MAC,
			Name:     h.Name,
			Policy:   m.policyFor(h.MAC),
			LastSeen: m.now,
		}
		if a, ok := m.arp[Key(h.MAC)]; ok {
			d.IP = a.ip
			d.Interface = a.iface
			d.LastSeen = a.seen
			d.Online = a.reachable
		}
		m.replace(d)
	}
}

func mergeARP(m *merger, src router.Sources) {
	for _, a := range src.ARP {
		if m.has(a.MAC) {
			continue
		}
		name := a.Name
		if name == "" {
			name = PlaceholderName(a.MAC)
		}
		m.insert(Device{
			MAC:       a.MAC,
			Name:      name,
			IP:        a.IP,
			Policy:    m.policyFor(a.MAC),
			Online:    a.Reachable,
			LastSeen:  m.now,
			Interface: a.Interface,
		})
	}
}

func mergeHotspot(m *merger, src router.Sources) {
	for _, h := range src.Hotspot {
		if m.has(h.MAC) {
			continue
		}
		name := h.Name
		if name == "" {
			name = PlaceholderName(h.MAC)
		}
		m.insert(Device{
			MAC:      h.MAC,
			Name:     name,
			Policy:   m.policyFor(h.MAC),
			Online:   false,
			LastSeen: m.now,
		})
	}
}

// Merge reconciles the three sources into one device per MAC and returns
// them online first, then by name.
func Merge(src router.Sources, policies Policies, now time.Time) []Device {
	m := &merger{
		policies: policies.WithDefaults(),
		now:      now,
		arp:      make(map[string]arpInfo, len(src.ARP)),
		hotspot:  make(map[string]hotspotInfo, len(src.Hotspot)),
		devices:  make(map[string]int),
	}
	// Lookups keep the last row for a MAC.
	for _, a := range src.ARP {
		m.arp[Key(a.MAC)] = arpInfo{ip: a.IP, iface: a.Interface, reachable: a.Reachable, seen: now}
	}
	for _, h := range src.Hotspot {
		m.hotspot[Key(h.MAC)] = hotspotInfo{policy: h.Policy, online: h.Online}
	}

	for _, pass := range mergePasses {
		pass.run(m, src)
	}

	SortDevices(m.out)
	return m.out
}

// SortDevices orders devices online first, then by name using root-locale
// collation. The sort is stable.
func SortDevices(devices []Device) {
	col := collate.New(language.Und)
	slices.SortStableFunc(devices, func(a, b Device) int {
		if a.Online != b.Online {
			if a.Online {
				return -1
			}
			return 1
		}
		return col.CompareString(a.Name, b.Name)
	})
}
