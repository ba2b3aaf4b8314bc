package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

// Router RCI endpoints.
const (
	PathKnownHosts = "/rci/known/host"
	PathARP        = "/rci/show/ip/arp"
	PathHotspot    = "/rci/ip/hotspot/host"
)

const (
	defaultDataTimeout  = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Credentials identify the router and the account used for basic auth.
type Credentials struct {
	Host     string
	Port     string
	Username string
	Password string
}

// Configured reports whether enough is known to reach the router.
func (c Credentials) Configured() bool {
	return c.Host != "" && c.Port != ""
}

// BaseURL returns http://host:port.
func (c Credentials) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, c.Port)
}

// StatusError is returned for non-2xx router responses.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: router returned status %d", e.Path, e.Code)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the URL derived from the credentials.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTimeouts overrides the data and probe request timeouts.
func WithTimeouts(data, probe time.Duration) Option {
	return func(c *Client) {
		if data > 0 {
			c.dataTimeout = data
		}
		if probe > 0 {
			c.probeTimeout = probe
		}
	}
}

// Client talks to the router's RCI HTTP API. Data fetches never fail: a
// transport error, bad status or malformed body degrades to an empty result.
type Client struct {
	http         *resty.Client
	baseURL      string
	dataTimeout  time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewClient creates a router client for the given credentials.
func NewClient(creds Credentials, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:      creds.BaseURL(),
		dataTimeout:  defaultDataTimeout,
		probeTimeout: defaultProbeTimeout,
		logger:       logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = resty.New().
		SetBaseURL(c.baseURL).
		SetBasicAuth(creds.Username, creds.Password).
		SetHeader("Accept", "application/json")
	return c
}

// BaseURL returns the router URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// Sources is the outcome of one poll's three fetches. Errors holds the
// failure of each source that degraded to empty, keyed by endpoint path.
type Sources struct {
	KnownHosts []KnownHost
	ARP        []ARPEntry
	Hotspot    []HotspotHost
	Errors     map[string]error
}

// FetchAll queries the three device sources concurrently and waits for all
// of them. A failing source yields an empty list and does not affect the
// other two.
func (c *Client) FetchAll(ctx context.Context) Sources {
	var src Sources
	var hostsErr, arpErr, hotspotErr error
	var g errgroup.Group
	g.Go(func() error {
		var p Payload
		p, hostsErr = c.get(ctx, PathKnownHosts, c.dataTimeout)
		src.KnownHosts = NormalizeKnownHosts(p)
		return nil
	})
	g.Go(func() error {
		var p Payload
		p, arpErr = c.get(ctx, PathARP, c.dataTimeout)
		src.ARP = NormalizeARP(p)
		return nil
	})
	g.Go(func() error {
		var p Payload
		p, hotspotErr = c.get(ctx, PathHotspot, c.dataTimeout)
		src.Hotspot = NormalizeHotspot(p)
		return nil
	})
	_ = g.Wait()

	for path, err := range map[string]error{
		PathKnownHosts: hostsErr,
		PathARP:        arpErr,
		PathHotspot:    hotspotErr,
	} {
		if err == nil {
			continue
		}
		if src.Errors == nil {
			src.Errors = make(map[string]error, 3)
		}
		src.Errors[path] = err
	}
	return src
}

// KnownHosts fetches the named host registry.
func (c *Client) KnownHosts(ctx context.Context) []KnownHost {
	p, err := c.get(ctx, PathKnownHosts, c.dataTimeout)
	c.logDegraded(PathKnownHosts, err)
	return NormalizeKnownHosts(p)
}

// ARP fetches the neighbor table.
func (c *Client) ARP(ctx context.Context) []ARPEntry {
	p, err := c.get(ctx, PathARP, c.dataTimeout)
	c.logDegraded(PathARP, err)
	return NormalizeARP(p)
}

// Hotspot fetches the hotspot host list.
func (c *Client) Hotspot(ctx context.Context) []HotspotHost {
	p, err := c.get(ctx, PathHotspot, c.dataTimeout)
	c.logDegraded(PathHotspot, err)
	return NormalizeHotspot(p)
}

func (c *Client) logDegraded(path string, err error) {
	if err != nil {
		c.logger.Debug("router source degraded to empty", "path", path, "err", err)
	}
}

// get issues a GET and decodes the body. On failure the returned payload is
// Absent and err says why.
func (c *Client) get(ctx context.Context, path string, timeout time.Duration) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return Absent(), fmt.Errorf("get %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		return Absent(), &StatusError{Path: path, Code: resp.StatusCode()}
	}
	p, err := DecodePayload(resp.Body())
	if err != nil {
		return Absent(), fmt.Errorf("get %s: %w", path, err)
	}
	return p, nil
}

// PolicyResult reports the outcome of a policy update.
type PolicyResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type policyRequest struct {
	MAC    string `json:"mac"`
	Policy string `json:"policy"`
}

// SetPolicy assigns a routing policy to a hotspot host.
func (c *Client) SetPolicy(ctx context.Context, mac, policy string) PolicyResult {
	ctx, cancel := context.WithTimeout(ctx, c.dataTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(policyRequest{MAC: mac, Policy: policy}).
		Post(PathHotspot)
	if err != nil {
		c.logger.Warn("policy update failed", "mac", mac, "policy", policy, "err", err)
		return PolicyResult{Success: false, Error: err.Error()}
	}
	if !resp.IsSuccess() {
		c.logger.Warn("policy update rejected", "mac", mac, "policy", policy, "status", resp.StatusCode())
		return PolicyResult{Success: false, Error: (&StatusError{Path: PathHotspot, Code: resp.StatusCode()}).Error()}
	}
	c.logger.Info("policy updated", "mac", mac, "policy", policy)
	return PolicyResult{Success: true}
}
