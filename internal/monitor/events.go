package monitor

import (
	"log/slog"
	"slices"
	"sync"

	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/store"
)

// Event types and their payloads:
//
//	devices_updated   []reconcile.View
//	device_online     reconcile.View
//	device_offline    reconcile.View
//	policy_changed    PolicyChange
//	settings_changed  store.Settings
//	poll_error        PollError
const (
	EventDevicesUpdated  = "devices_updated"
	EventDeviceOnline    = "device_online"
	EventDeviceOffline   = "device_offline"
	EventPolicyChanged   = "policy_changed"
	EventSettingsChanged = "settings_changed"
	EventPollError       = "poll_error"
)

// PolicyChange is the payload of EventPolicyChanged.
type PolicyChange struct {
	MAC    string `json:"mac"`
	Policy string `json:"policy"`
}

// PollError is the payload of EventPollError.
type PollError struct {
	Error   string            `json:"error"`
	Sources map[string]string `json:"sources,omitempty"`
}

// Event is one monitor notification. It marshals as {"type", "data"}, the
// frame sent to WebSocket clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Views returns the snapshot carried by a devices_updated event.
func (e Event) Views() ([]reconcile.View, bool) {
	v, ok := e.Data.([]reconcile.View)
	return v, ok
}

// Device returns the device of an online or offline transition.
func (e Event) Device() (reconcile.View, bool) {
	if e.Type != EventDeviceOnline && e.Type != EventDeviceOffline {
		return reconcile.View{}, false
	}
	v, ok := e.Data.(reconcile.View)
	return v, ok
}

// PolicyChange returns the payload of a policy_changed event.
func (e Event) PolicyChange() (PolicyChange, bool) {
	c, ok := e.Data.(PolicyChange)
	return c, ok
}

type EventHandler func(Event)

type subscription struct {
	id      uint64
	only    string // event type, "" for every event
	handler EventHandler
}

// EventBus delivers monitor events to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type and returns the unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(only string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, only: only, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

func (eb *EventBus) Publish(eventType string, data any) {
	eb.Emit(Event{Type: eventType, Data: data})
}

// Emit calls the matching handlers synchronously. A panicking handler is
// logged and the rest still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if s.only == "" || s.only == event.Type {
			targets = append(targets, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}

func (eb *EventBus) devicesUpdated(views []reconcile.View) {
	eb.Publish(EventDevicesUpdated, views)
}

// presenceChanged reports v as online or offline by its display flag.
func (eb *EventBus) presenceChanged(v reconcile.View) {
	if v.DisplayOnline {
		eb.Publish(EventDeviceOnline, v)
		return
	}
	eb.Publish(EventDeviceOffline, v)
}

func (eb *EventBus) policyChanged(mac, policy string) {
	eb.Publish(EventPolicyChanged, PolicyChange{MAC: mac, Policy: policy})
}

func (eb *EventBus) settingsChanged(s store.Settings) {
	eb.Publish(EventSettingsChanged, s)
}

func (eb *EventBus) pollFailed(pe PollError) {
	eb.Publish(EventPollError, pe)
}
