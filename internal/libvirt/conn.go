package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	readOnlySocket = "/var/run/libvirt/libvirt-sock-ro"
	dialTimeout    = 5 * time.Second
)

var ErrNotConnected = errors.New("libvirt: not connected")

// ConnManager owns the single read-only libvirt RPC connection of the process.
// There is no reconnect loop: without the connection no sampling is possible,
// so a failed Connect is fatal for the caller.
type ConnManager struct {
	mu     sync.RWMutex
	client *golibvirt.Libvirt
	uri    string
	logger *slog.Logger
}

func NewConnManager(uri string, logger *slog.Logger) *ConnManager {
	return &ConnManager{uri: uri, logger: logger}
}

func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	uri, err := parseURI(m.uri)
	if err != nil {
		return err
	}

	var c *golibvirt.Libvirt
	if isLocalURI(uri) {
		// Local system URIs go through the read-only socket so the daemon itself
		// rejects any mutating call.
		c = golibvirt.NewWithDialer(dialers.NewLocal(
			dialers.WithSocket(readOnlySocket),
			dialers.WithLocalTimeout(dialTimeout),
		))
		err = c.ConnectToURI(golibvirt.QEMUSystem)
	} else {
		c, err = golibvirt.ConnectToURI(uri)
	}
	if err != nil {
		return fmt.Errorf("open read-only connection to %s: %w", uri.Redacted(), err)
	}

	m.client = c
	m.logger.Info("libvirt connected", "uri", uri.Redacted(), "read_only", isLocalURI(uri))
	return nil
}

func (m *ConnManager) Client() (*golibvirt.Libvirt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func (m *ConnManager) Healthy() error {
	c, err := m.Client()
	if err != nil {
		return err
	}
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("libvirt version check failed: %w", err)
	}
	return nil
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	return err
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return nil, fmt.Errorf("libvirt uri %q has no driver scheme", raw)
	}
	return uri, nil
}

// isLocalURI reports whether uri targets the local system daemon over its
// default unix socket (qemu:///system, qemu+unix:///system).
func isLocalURI(uri *url.URL) bool {
	if uri.Host != "" || uri.Query().Has("socket") {
		return false
	}
	switch uri.Scheme {
	case "qemu", "qemu+unix":
		return uri.Path == "/system"
	}
	return false
}
