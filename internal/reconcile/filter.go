package reconcile

import (
	"strings"
)

// NotOnNetwork is the IP placeholder shown for devices without an address.
const NotOnNetwork = "Not on network"

// wanMarkers are interface name fragments of router uplinks.
var wanMarkers = []string{"GigabitEthernet", "PPPoE", "ISP", "WAN"}

// FilterLocal drops router-internal and WAN-facing artifacts. The subnet
// test is a plain string prefix against routerIP cut at its last dot, so
// "192.168.1" also matches 192.168.10.x.
func FilterLocal(devices []Device, routerIP string) []Device {
	prefix := subnetPrefix(routerIP)
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if isLocal(d, prefix) {
			out = append(out, d)
		}
	}
	return out
}

func subnetPrefix(routerIP string) string {
	i := strings.LastIndexByte(routerIP, '.')
	if i < 0 {
		return ""
	}
	return routerIP[:i]
}

func isLocal(d Device, prefix string) bool {
	ip := d.IP
	if ip == "" || ip == NotOnNetwork {
		return true
	}
	switch {
	case strings.HasPrefix(ip, "10."):
		return strings.HasPrefix(ip, prefix)
	case strings.HasPrefix(ip, "172."):
		if n, ok := secondOctet(ip); ok && n >= 16 && n <= 31 {
			return strings.HasPrefix(ip, prefix)
		}
	case strings.HasPrefix(ip, "192.168."):
		return strings.HasPrefix(ip, prefix)
	case strings.HasPrefix(ip, "169.254."):
		return false
	case strings.HasPrefix(ip, "100."):
		if n, ok := secondOctet(ip); ok && n >= 64 && n <= 127 {
			return false
		}
	}
	for _, m := range wanMarkers {
		if strings.Contains(d.Interface, m) {
			return false
		}
	}
	return true
}

// secondOctet parses the leading digits of the second dotted component.
func secondOctet(ip string) (int, bool) {
	parts := strings.SplitN(ip, ".", 3)
	if len(parts) < 2 {
		return 0, false
	}
	n, digits := 0, 0
	for _, c := range parts[1] {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		digits++
		if n > 1000 {
			break
		}
	}
	return n, digits > 0
}
