package reconcile

import (
	"slices"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// View is a device as presented: the reconciled record plus its debounced
// status and pin membership.
type View struct {
	Device
	DisplayOnline bool `json:"displayOnline"`
	Pinned        bool `json:"pinned"`
}

// Arrange returns views in presentation order: pinned devices first (online
// before offline, then pin-list order), then the rest (online before
// offline, then name). Pinned flags are set from the pin list.
func Arrange(views []View, pinned []string) []View {
	pinIndex := make(map[string]int, len(pinned))
	for i, mac := range pinned {
		if _, dup := pinIndex[mac]; !dup {
			pinIndex[mac] = i
		}
	}

	out := make([]View, len(views))
	copy(out, views)
	for i := range out {
		_, out[i].Pinned = pinIndex[out[i].MAC]
	}

	col := collate.New(language.Und)
	slices.SortStableFunc(out, func(a, b View) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if a.DisplayOnline != b.DisplayOnline {
			if a.DisplayOnline {
				return -1
			}
			return 1
		}
		if a.Pinned {
			return pinIndex[a.MAC] - pinIndex[b.MAC]
		}
		return col.CompareString(a.Name, b.Name)
	})
	return out
}

// Summary counts devices for the statistics panel.
type Summary struct {
	Total  int `json:"total"`
	Online int `json:"online"`
	VPN    int `json:"vpn"`
}

// Stats counts all views, the displayed-online ones, and those routed
// through vpnPolicy.
func Stats(views []View, vpnPolicy string) Summary {
	s := Summary{Total: len(views)}
	for _, v := range views {
		if v.DisplayOnline {
			s.Online++
		}
		if v.Policy == vpnPolicy {
			s.VPN++
		}
	}
	return s
}

// TestDevices is the fixed list shown when the router cannot be queried.
func TestDevices(now time.Time) []Device {
	return []Device{
		{MAC: "66:B7:08:8A:CC:6C", Name: "warmCont1", IP: "192.168.1.54", Policy: "Policy0", Online: true, LastSeen: now, Interface: "Bridge0"},
		{MAC: "66:B7:08:8A:D1:24", Name: "warmCont2", IP: "192.168.1.141", Policy: "Policy1", Online: true, LastSeen: now, Interface: "Bridge0"},
		{MAC: "C8:2E:18:C0:8C:BC", Name: "Zigbee gateway", IP: "192.168.1.53", Policy: "Policy1", Online: false, LastSeen: now.Add(-time.Minute), Interface: "Bridge0"},
	}
}
