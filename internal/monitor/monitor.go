// Package monitor polls the router, reconciles its device sources and keeps
// the debounced device snapshot the rest of the service presents.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"keenetic-vpn/internal/presence"
	"keenetic-vpn/internal/reconcile"
	"keenetic-vpn/internal/router"
	"keenetic-vpn/internal/store"
)

const defaultRefreshInterval = 10 * time.Second

// ErrDeviceNotFound is returned for MACs missing from the current snapshot.
var ErrDeviceNotFound = errors.New("device not found")

// RouterAPI is the part of the router client the monitor uses.
type RouterAPI interface {
	FetchAll(ctx context.Context) router.Sources
	SetPolicy(ctx context.Context, mac, policy string) router.PolicyResult
	Probe(ctx context.Context) []router.ProbeResult
}

// ClientFactory builds a router client for the given settings.
type ClientFactory func(s store.Settings) RouterAPI

// Option configures a Monitor.
type Option func(*Monitor)

// WithClientFactory replaces the router client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Monitor) {
		m.newClient = f
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithAfterFunc replaces the debouncer's timer factory.
func WithAfterFunc(f presence.AfterFunc) Option {
	return func(m *Monitor) {
		m.afterFunc = f
	}
}

// WithEventBus makes the monitor publish on an existing bus.
func WithEventBus(eb *EventBus) Option {
	return func(m *Monitor) {
		m.events = eb
	}
}

// Monitor owns the poll cycle and the latest device snapshot.
type Monitor struct {
	store     store.Store
	defaults  store.Settings
	events    *EventBus
	debouncer *presence.Debouncer
	newClient ClientFactory
	afterFunc presence.AfterFunc
	now       func() time.Time
	logger    *slog.Logger

	polling atomic.Bool

	mu       sync.Mutex
	settings store.Settings
	client   RouterAPI
	snapshot []reconcile.View
	polled   bool

	loopMu     sync.Mutex
	baseCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a Monitor. Settings are loaded from st laid over defaults.
func New(st store.Store, defaults store.Settings, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	logger = logger.With("component", "monitor")
	m := &Monitor{
		store:    st,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.events == nil {
		m.events = NewEventBus(logger)
	}
	if m.newClient == nil {
		m.newClient = func(s store.Settings) RouterAPI {
			return router.NewClient(Credentials(s), logger)
		}
	}

	settings, err := st.LoadSettings(defaults)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	m.settings = *settings
	m.client = m.newClient(m.settings)

	debOpts := []presence.Option{presence.WithExpiry(m.handleExpiry)}
	if m.afterFunc != nil {
		debOpts = append(debOpts, presence.WithAfterFunc(m.afterFunc))
	}
	m.debouncer = presence.New(seconds(m.settings.OfflineDelay), debOpts...)
	return m, nil
}

// Credentials extracts the router credentials from settings.
func Credentials(s store.Settings) router.Credentials {
	return router.Credentials{
		Host:     s.RouterIP,
		Port:     s.RouterPort,
		Username: s.RouterUsername,
		Password: s.RouterPassword,
	}
}

// Policies extracts the policy identifiers from settings.
func Policies(s store.Settings) reconcile.Policies {
	return reconcile.Policies{VPN: s.VPNPolicy, NoVPN: s.NoVPNPolicy}.WithDefaults()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Events returns the monitor's event bus.
func (m *Monitor) Events() *EventBus {
	return m.events
}

// Settings returns the current settings.
func (m *Monitor) Settings() store.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Monitor) current() (store.Settings, RouterAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, m.client
}

// Start runs the poll loop until ctx is done or Stop is called. The loop
// only runs while auto refresh is enabled.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	m.baseCtx = ctx
	m.loopMu.Unlock()
	m.restartLoop()
}

// Stop ends the poll loop and cancels pending offline timers.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	m.stopLoopLocked()
	m.baseCtx = nil
	m.loopMu.Unlock()
	m.debouncer.Reset(seconds(m.Settings().OfflineDelay))
}

func (m *Monitor) restartLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	m.stopLoopLocked()
	if m.baseCtx == nil {
		return
	}
	s := m.Settings()
	if !s.AutoRefresh {
		m.logger.Info("auto refresh disabled")
		return
	}
	interval := seconds(s.RefreshInterval)
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	done := make(chan struct{})
	m.loopCancel, m.loopDone = cancel, done
	go m.loop(ctx, interval, done)
}

func (m *Monitor) stopLoopLocked() {
	if m.loopCancel == nil {
		return
	}
	m.loopCancel()
	<-m.loopDone
	m.loopCancel, m.loopDone = nil, nil
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	m.logger.Info("poll loop started", "interval", interval)
	m.Poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one poll cycle and returns the new snapshot. A poll started
// while another is running returns the current snapshot instead.
func (m *Monitor) Poll(ctx context.Context) []reconcile.View {
	if !m.polling.CompareAndSwap(false, true) {
		m.logger.Debug("poll already running, skipping")
		return m.Devices()
	}
	defer m.polling.Store(false)

	now := m.now()
	devices, err := m.collect(ctx, now)
	if err != nil {
		m.logger.Warn("poll failed, showing test devices", "err", err)
		m.events.pollFailed(PollError{Error: err.Error()})
		devices = reconcile.TestDevices(now)
	}

	pinned, err := m.store.Pinned()
	if err != nil {
		m.logger.Warn("load pinned devices", "err", err)
	}

	m.mu.Lock()
	prev := make(map[string]bool, len(m.snapshot))
	for _, v := range m.snapshot {
		prev[reconcile.Key(v.MAC)] = v.DisplayOnline
	}
	first := !m.polled

	views := make([]reconcile.View, 0, len(devices))
	for _, d := range devices {
		views = append(views, reconcile.View{
			Device:        d,
			DisplayOnline: m.debouncer.Observe(d.MAC, d.Online, now),
		})
	}
	views = reconcile.Arrange(views, pinned)
	m.snapshot = views
	m.polled = true
	m.mu.Unlock()

	if !first {
		for _, v := range views {
			was, known := prev[reconcile.Key(v.MAC)]
			if v.DisplayOnline != (known && was) {
				m.events.presenceChanged(v)
			}
		}
	}
	m.events.devicesUpdated(views)
	return views
}

// collect fetches and reconciles the device list. A panic anywhere in the
// pipeline is returned as an error.
func (m *Monitor) collect(ctx context.Context, now time.Time) (devices []reconcile.Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panic: %v", r)
		}
	}()

	settings, client := m.current()
	if !Credentials(settings).Configured() {
		m.logger.Debug("router address not configured, showing test devices")
		return reconcile.TestDevices(now), nil
	}

	src := client.FetchAll(ctx)
	for path, err := range src.Errors {
		m.logger.Debug("router source unavailable", "path", path, "err", err)
	}
	if len(src.Errors) == 3 {
		failed := make(map[string]string, len(src.Errors))
		for path, err := range src.Errors {
			failed[path] = err.Error()
		}
		m.events.pollFailed(PollError{Error: "all router sources failed", Sources: failed})
	}

	merged := reconcile.Merge(src, Policies(settings), now)
	return reconcile.FilterLocal(merged, settings.RouterIP), nil
}

// handleExpiry flips a device offline when its grace period ends between
// polls.
func (m *Monitor) handleExpiry(mac string) {
	key := reconcile.Key(mac)
	m.mu.Lock()
	var changed *reconcile.View
	for i := range m.snapshot {
		if reconcile.Key(m.snapshot[i].MAC) == key && m.snapshot[i].DisplayOnline {
			m.snapshot[i].DisplayOnline = false
			v := m.snapshot[i]
			changed = &v
			break
		}
	}
	var views []reconcile.View
	if changed != nil {
		views = m.rearrangeLocked()
	}
	m.mu.Unlock()

	if changed == nil {
		return
	}
	m.logger.Debug("offline grace period expired", "mac", mac)
	m.events.presenceChanged(*changed)
	m.events.devicesUpdated(views)
}

// rearrangeLocked re-sorts the snapshot with the stored pin list and
// returns a copy. m.mu must be held.
func (m *Monitor) rearrangeLocked() []reconcile.View {
	pinned, err := m.store.Pinned()
	if err != nil {
		m.logger.Warn("load pinned devices", "err", err)
	}
	m.snapshot = reconcile.Arrange(m.snapshot, pinned)
	return append([]reconcile.View(nil), m.snapshot...)
}

func (m *Monitor) rearrange() []reconcile.View {
	m.mu.Lock()
	views := m.rearrangeLocked()
	m.mu.Unlock()
	m.events.devicesUpdated(views)
	return views
}

// Devices returns the latest arranged snapshot.
func (m *Monitor) Devices() []reconcile.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reconcile.View(nil), m.snapshot...)
}

// Device looks up a device of the snapshot by MAC, ignoring case.
func (m *Monitor) Device(mac string) (reconcile.View, bool) {
	key := reconcile.Key(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.snapshot {
		if reconcile.Key(v.MAC) == key {
			return v, true
		}
	}
	return reconcile.View{}, false
}

// IsOnline reports the displayed status of a device.
func (m *Monitor) IsOnline(mac string) bool {
	v, ok := m.Device(mac)
	return ok && v.DisplayOnline
}

// Stats counts the snapshot.
func (m *Monitor) Stats() reconcile.Summary {
	vpn := Policies(m.Settings()).VPN
	return reconcile.Stats(m.Devices(), vpn)
}

// SetPolicy assigns policy to mac on the router and updates the snapshot on
// success.
func (m *Monitor) SetPolicy(ctx context.Context, mac, policy string) router.PolicyResult {
	settings, client := m.current()
	if !Credentials(settings).Configured() {
		return router.PolicyResult{Success: false, Error: "router address not configured"}
	}
	res := client.SetPolicy(ctx, mac, policy)
	if !res.Success {
		return res
	}

	key := reconcile.Key(mac)
	m.mu.Lock()
	found := false
	for i := range m.snapshot {
		if reconcile.Key(m.snapshot[i].MAC) == key {
			m.snapshot[i].Policy = policy
			found = true
		}
	}
	views := append([]reconcile.View(nil), m.snapshot...)
	m.mu.Unlock()

	m.events.policyChanged(mac, policy)
	if found {
		m.events.devicesUpdated(views)
	}
	return res
}

// EnableVPN routes mac through the VPN policy.
func (m *Monitor) EnableVPN(ctx context.Context, mac string) router.PolicyResult {
	return m.SetPolicy(ctx, mac, Policies(m.Settings()).VPN)
}

// DisableVPN routes mac directly.
func (m *Monitor) DisableVPN(ctx context.Context, mac string) router.PolicyResult {
	return m.SetPolicy(ctx, mac, Policies(m.Settings()).NoVPN)
}

// TogglePolicy switches a known device between the two policies.
func (m *Monitor) TogglePolicy(ctx context.Context, mac string) router.PolicyResult {
	v, ok := m.Device(mac)
	if !ok {
		return router.PolicyResult{Success: false, Error: ErrDeviceNotFound.Error()}
	}
	if v.Policy == Policies(m.Settings()).VPN {
		return m.DisableVPN(ctx, v.MAC)
	}
	return m.EnableVPN(ctx, v.MAC)
}

// Probe runs the router connectivity self-test.
func (m *Monitor) Probe(ctx context.Context) []router.ProbeResult {
	settings, client := m.current()
	if !Credentials(settings).Configured() {
		return router.ConfigErrorProbe()
	}
	return client.Probe(ctx)
}

// UpdateSettings persists a settings change and applies it.
func (m *Monitor) UpdateSettings(fn func(s *store.Settings) error) (store.Settings, error) {
	updated, err := m.store.UpdateSettings(m.defaults, fn)
	if err != nil {
		return store.Settings{}, fmt.Errorf("update settings: %w", err)
	}
	m.ApplySettings(*updated)
	return *updated, nil
}

// ApplySettings switches to s without persisting it. The router client is
// rebuilt, the debouncer is reset when the offline delay changed and the
// poll loop is restarted when the refresh schedule changed.
func (m *Monitor) ApplySettings(s store.Settings) {
	m.mu.Lock()
	old := m.settings
	m.settings = s
	m.client = m.newClient(s)
	m.mu.Unlock()

	if old.OfflineDelay != s.OfflineDelay {
		m.debouncer.Reset(seconds(s.OfflineDelay))
	}
	if old.AutoRefresh != s.AutoRefresh || old.RefreshInterval != s.RefreshInterval {
		m.restartLoop()
	}
	m.logger.Info("settings applied", "router", s.RouterIP, "auto_refresh", s.AutoRefresh, "interval", s.RefreshInterval)
	m.events.settingsChanged(s)
}

// Pinned returns the stored pin list.
func (m *Monitor) Pinned() ([]string, error) {
	return m.store.Pinned()
}

// SavePinned replaces the pin list.
func (m *Monitor) SavePinned(macs []string) ([]string, error) {
	if err := m.store.SavePinned(macs); err != nil {
		return nil, err
	}
	m.rearrange()
	return m.store.Pinned()
}

// TogglePin pins or unpins mac.
func (m *Monitor) TogglePin(mac string) ([]string, error) {
	list, err := m.store.TogglePin(mac)
	if err != nil {
		return nil, err
	}
	m.rearrange()
	return list, nil
}

// MovePin moves a pinned device to the position of another.
func (m *Monitor) MovePin(dragged, target string) ([]string, error) {
	list, err := m.store.MovePin(dragged, target)
	if err != nil {
		return nil, err
	}
	m.rearrange()
	return list, nil
}
