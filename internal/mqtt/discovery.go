//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
	"time"

	"keenetic-vpn/internal/reconcile"
)

const (
	payloadHome    = "home"
	payloadNotHome = "not_home"
	payloadOn      = "ON"
	payloadOff     = "OFF"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/device_tracker/keenetic_aa0000000001/presence/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Name         string      `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	JSONAttrTopic     string   `json:"json_attributes_topic,omitempty"`
	SourceType        string   `json:"source_type,omitempty"`
	PayloadHome       string   `json:"payload_home,omitempty"`
	PayloadNotHome    string   `json:"payload_not_home,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceState is the retained JSON published on a device state topic.
type deviceState struct {
	Presence  string `json:"presence"`
	VPN       string `json:"vpn"`
	Policy    string `json:"policy"`
	IP        string `json:"ip"`
	Interface string `json:"interface,omitempty"`
	Name      string `json:"name"`
	LastSeen  string `json:"last_seen,omitempty"`
}

func newDeviceState(v reconcile.View, vpnPolicy string) deviceState {
	st := deviceState{
		Presence:  payloadNotHome,
		VPN:       payloadOff,
		Policy:    v.Policy,
		IP:        v.IP,
		Interface: v.Interface,
		Name:      v.Name,
	}
	if v.DisplayOnline {
		st.Presence = payloadHome
	}
	if v.Policy == vpnPolicy {
		st.VPN = payloadOn
	}
	if !v.LastSeen.IsZero() {
		st.LastSeen = v.LastSeen.UTC().Format(time.RFC3339)
	}
	return st
}

// deviceTopicName returns the topic segment of a device: the MAC in lower
// case without separators.
func deviceTopicName(mac string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(mac string) string {
	return "keenetic_" + deviceTopicName(mac)
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(v reconcile.View) string {
	if v.Name != "" {
		return v.Name
	}
	return reconcile.PlaceholderName(v.MAC)
}

func stateTopic(prefix, mac string) string {
	return prefix + "/" + deviceTopicName(mac)
}

func vpnCommandTopic(prefix, mac string) string {
	return stateTopic(prefix, mac) + "/vpn/set"
}

// buildDiscovery generates HA discovery messages for a device: a presence
// tracker, a VPN switch and an IP sensor.
func buildDiscovery(v reconcile.View, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	state := stateTopic(prefix, v.MAC)
	nodeID := deviceIdentifier(v.MAC)
	displayName := deviceDisplayName(v)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Connections:  [][2]string{{"mac", strings.ToLower(v.MAC)}},
		Manufacturer: "Keenetic client",
		Name:         displayName,
	}

	return []discoveryMsg{
		buildTracker(nodeID, displayName, state, avail, haDev),
		buildSwitch(nodeID, displayName, state, avail, haDev, vpnCommandTopic(prefix, v.MAC)),
		buildSensor(nodeID, displayName, state, avail, haDev,
			"ip", "IP", "mdi:ip-network", "{{ value_json.ip }}"),
	}
}

func buildTracker(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/device_tracker/%s/presence/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_presence",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.presence }}",
		JSONAttrTopic:     stateTopic,
		SourceType:        "router",
		PayloadHome:       payloadHome,
		PayloadNotHome:    payloadNotHome,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, avail string, haDev haDevice, cmdTopic string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/vpn/config", nodeID)
	payload := haDiscovery{
		Name:              displayName + " VPN",
		UniqueID:          nodeID + "_vpn",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.vpn }}",
		PayloadOn:         payloadOn,
		PayloadOff:        payloadOff,
		StateOn:           payloadOn,
		StateOff:          payloadOff,
		Icon:              "mdi:vpn",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
