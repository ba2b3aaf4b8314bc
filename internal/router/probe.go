package router

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ProbeResult is the connectivity self-test outcome for one endpoint.
type ProbeResult struct {
	Endpoint string `json:"endpoint"`
	Path     string `json:"path,omitempty"`
	Status   string `json:"status"`
	URL      string `json:"url,omitempty"`
	OK       bool   `json:"ok"`
}

type probeTarget struct {
	name  string
	path  string
	count func(Payload) int
}

var probeTargets = []probeTarget{
	{name: "Known Hosts", path: PathKnownHosts, count: func(p Payload) int { return knownHostMapping(p).Len() }},
	{name: "ARP Table", path: PathARP, count: func(p Payload) int { return p.Len() }},
	{name: "Hotspot Hosts", path: PathHotspot, count: func(p Payload) int { return p.Len() }},
}

// ConfigErrorProbe is the single result reported when the router address
// is not configured.
func ConfigErrorProbe() []ProbeResult {
	return []ProbeResult{{Endpoint: "Configuration error", Status: "Settings not loaded"}}
}

// Probe checks each data endpoint with the short diagnostic timeout and
// reports how many entries it returned.
func (c *Client) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(probeTargets))
	var g errgroup.Group
	for i, t := range probeTargets {
		g.Go(func() error {
			results[i] = c.probeOne(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Client) probeOne(ctx context.Context, t probeTarget) ProbeResult {
	res := ProbeResult{Endpoint: t.name, Path: t.path, URL: c.baseURL + t.path}
	p, err := c.get(ctx, t.path, c.probeTimeout)
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		res.Status = fmt.Sprintf("Error %d", statusErr.Code)
	case err != nil:
		res.Status = "Error: " + err.Error()
	default:
		res.OK = true
		res.Status = fmt.Sprintf("OK (%d devices)", t.count(p))
	}
	return res
}
