package offline

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ConnectivityProber checks one external signal of connectivity
type ConnectivityProber interface {
	// ProbeNetwork opens a short-lived socket to a well-known host
	ProbeNetwork(ctx context.Context) error
	// ProbeHealth expects the service health endpoint to answer 200
	ProbeHealth(ctx context.Context) error
}

// NetworkProber probes over TCP and HTTP
type NetworkProber struct {
	address   string
	healthURL string
	timeout   time.Duration
	dialer    *net.Dialer
	client    *http.Client
}

// NewNetworkProber creates a prober for the given targets
func NewNetworkProber(address, healthURL string, timeout time.Duration) *NetworkProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetworkProber{
		address:   address,
		healthURL: healthURL,
		timeout:   timeout,
		dialer:    &net.Dialer{Timeout: timeout},
		client:    &http.Client{Timeout: timeout},
	}
}

// ProbeNetwork implements ConnectivityProber
func (p *NetworkProber) ProbeNetwork(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return errors.Wrapf(err, "network probe to %s failed", p.address)
	}
	return conn.Close()
}

// ProbeHealth implements ConnectivityProber
func (p *NetworkProber) ProbeHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build health probe request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health probe failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}
