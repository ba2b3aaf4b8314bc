// Package presence turns raw per-poll online signals into a display status
// that holds a device online for a grace period after it was last seen.
package presence

import (
	"strings"
	"sync"
	"time"
)

// DefaultDelay is the grace period used when none is configured.
const DefaultDelay = 5 * time.Second

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// record is the presence state of one MAC.
type record struct {
	mac        string
	lastOnline time.Time
	timer      Timer
	gen        uint64
}

func (r *record) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(f AfterFunc) Option {
	return func(d *Debouncer) {
		d.afterFunc = f
	}
}

// WithExpiry registers fn to be called with the MAC of a device whose grace
// period ran out between polls. fn runs on the timer goroutine.
func WithExpiry(fn func(mac string)) Option {
	return func(d *Debouncer) {
		d.onExpire = fn
	}
}

// Debouncer owns the presence state of every device it has seen online.
// It is safe for concurrent use.
type Debouncer struct {
	mu        sync.Mutex
	delay     time.Duration
	state     map[string]*record
	gen       uint64
	afterFunc AfterFunc
	onExpire  func(mac string)
}

// New creates a Debouncer with the given grace period.
func New(delay time.Duration, opts ...Option) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	d := &Debouncer{
		delay:     delay,
		state:     make(map[string]*record),
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe records one poll's raw status for mac and returns whether the
// device should be displayed online.
func (d *Debouncer) Observe(mac string, online bool, now time.Time) bool {
	key := strings.ToLower(mac)

	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.state[key]
	if online {
		if rec == nil {
			rec = &record{}
			d.state[key] = rec
		}
		rec.mac = mac
		rec.lastOnline = now
		rec.stopTimer()
		return true
	}

	if rec == nil {
		return false
	}
	elapsed := now.Sub(rec.lastOnline)
	if elapsed > d.delay {
		rec.stopTimer()
		delete(d.state, key)
		return false
	}
	// A pending timer always belongs to the current lastOnline, since going
	// online cancels it, so its deadline is already right.
	if rec.timer == nil {
		d.gen++
		gen := d.gen
		rec.gen = gen
		rec.timer = d.afterFunc(d.delay-elapsed, func() { d.expire(key, gen) })
	}
	return true
}

func (d *Debouncer) expire(key string, gen uint64) {
	d.mu.Lock()
	rec, ok := d.state[key]
	if !ok || rec.timer == nil || rec.gen != gen {
		d.mu.Unlock()
		return
	}
	rec.timer = nil
	delete(d.state, key)
	mac, notify := rec.mac, d.onExpire
	d.mu.Unlock()

	if notify != nil {
		notify(mac)
	}
}

// Reset stops every pending timer, forgets all devices and switches to a
// new grace period.
func (d *Debouncer) Reset(delay time.Duration) {
	if delay <= 0 {
		delay = DefaultDelay
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.state {
		rec.stopTimer()
	}
	d.state = make(map[string]*record)
	d.delay = delay
}

// Forget drops the state of one device.
func (d *Debouncer) Forget(mac string) {
	key := strings.ToLower(mac)
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.state[key]; ok {
		rec.stopTimer()
		delete(d.state, key)
	}
}

// Len returns the number of devices with a last-online record.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}

// Pending reports whether an offline timer is armed for mac.
func (d *Debouncer) Pending(mac string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.state[strings.ToLower(mac)]
	return ok && rec.timer != nil
}

// Delay returns the current grace period.
func (d *Debouncer) Delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay
}
