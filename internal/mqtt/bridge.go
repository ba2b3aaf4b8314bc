//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"
	"keenetic-vpn/internal/store"
)

const (
	defaultClientID = "keenetic-vpn"
	commandTimeout  = 15 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Controller is the part of the monitor the bridge uses.
type Controller interface {
	Events() *monitor.EventBus
	Devices() []reconcile.View
	Device(mac string) (reconcile.View, bool)
	Settings() store.Settings
	EnableVPN(ctx context.Context, mac string) router.PolicyResult
	DisableVPN(ctx context.Context, mac string) router.PolicyResult
}

// Bridge publishes router clients to MQTT with HA autodiscovery and accepts
// VPN switch commands.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	discovered map[string]bool   // MAC key -> discovery published
	states     map[string][]byte // MAC key -> last published state
}

func newBridge(ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:       ctrl,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string]bool),
		states:     make(map[string][]byte),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The connect handler publishes through b.client, so it is set first.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to monitor events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect. Discovery is published again since the
// broker may have lost retained messages.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	clear(b.discovered)
	clear(b.states)
	b.mu.Unlock()

	b.publishBridgeState("online")
	b.subscribeCommands()
	b.publishDevices(b.ctrl.Devices())
}

func (b *Bridge) handleEvent(event monitor.Event) {
	switch event.Type {
	case monitor.EventDevicesUpdated:
		if views, ok := event.Views(); ok {
			b.publishDevices(views)
		}
	case monitor.EventDeviceOnline, monitor.EventDeviceOffline:
		if v, ok := event.Device(); ok {
			b.publishDevice(v, b.vpnPolicy())
		}
	case monitor.EventPolicyChanged:
		change, ok := event.PolicyChange()
		if !ok {
			return
		}
		if v, found := b.ctrl.Device(change.MAC); found {
			b.publishDevice(v, b.vpnPolicy())
		}
	case monitor.EventSettingsChanged:
		// The VPN policy may have changed, which flips switch states.
		b.publishDevices(b.ctrl.Devices())
	}
}

func (b *Bridge) vpnPolicy() string {
	return monitor.Policies(b.ctrl.Settings()).VPN
}

func (b *Bridge) publishDevices(views []reconcile.View) {
	vpn := b.vpnPolicy()
	for _, v := range views {
		b.publishDevice(v, vpn)
	}
}

// publishDevice sends discovery the first time a MAC is seen and the state
// whenever it differs from the last one published.
func (b *Bridge) publishDevice(v reconcile.View, vpnPolicy string) {
	key := reconcile.Key(v.MAC)
	payload := mustJSON(newDeviceState(v, vpnPolicy))

	b.mu.Lock()
	first := !b.discovered[key]
	b.discovered[key] = true
	changed := string(b.states[key]) != string(payload)
	b.states[key] = payload
	b.mu.Unlock()

	if first {
		for _, msg := range buildDiscovery(v, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "mac", v.MAC, "name", deviceDisplayName(v))
	}
	if first || changed {
		b.publish(stateTopic(b.prefix, v.MAC), payload, true)
	}
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.availabilityTopic(), []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/vpn/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Policy changes block on the router; paho callbacks must not.
		go b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

// commandDevice resolves the device addressed by a {prefix}/{mac}/vpn/set topic.
func (b *Bridge) commandDevice(topic string) (reconcile.View, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return reconcile.View{}, false
	}
	name, ok := strings.CutSuffix(rest, "/vpn/set")
	if !ok || strings.Contains(name, "/") {
		return reconcile.View{}, false
	}
	for _, v := range b.ctrl.Devices() {
		if deviceTopicName(v.MAC) == name {
			return v, true
		}
	}
	return reconcile.View{}, false
}

// parseCommand accepts a bare ON/OFF/TOGGLE payload or {"state": "..."}.
func parseCommand(payload []byte) string {
	var cmd struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.State != "" {
		return strings.ToUpper(cmd.State)
	}
	return strings.ToUpper(strings.TrimSpace(string(payload)))
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	v, ok := b.commandDevice(topic)
	if !ok {
		b.logger.Warn("command for unknown device", "topic", topic)
		return
	}

	vpnPolicy := b.vpnPolicy()
	enable := false
	switch parseCommand(payload) {
	case payloadOn:
		enable = true
	case payloadOff:
	case "TOGGLE":
		enable = v.Policy != vpnPolicy
	default:
		b.logger.Warn("invalid VPN command", "mac", v.MAC, "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var res router.PolicyResult
	if enable {
		res = b.ctrl.EnableVPN(ctx, v.MAC)
	} else {
		res = b.ctrl.DisableVPN(ctx, v.MAC)
	}
	if !res.Success {
		b.logger.Warn("VPN command failed", "mac", v.MAC, "enable", enable, "err", res.Error)
		// Republish the unchanged state so HA drops its optimistic value.
		b.mu.Lock()
		delete(b.states, reconcile.Key(v.MAC))
		b.mu.Unlock()
		b.publishDevice(v, vpnPolicy)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
