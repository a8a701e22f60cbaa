package manager

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/internal/transport/goble"
	"github.com/srg/blehost/internal/transport/tinygo"
	"github.com/srg/blehost/pkg/config"
)

// Backend is a radio transport that owns OS resources.
type Backend interface {
	transport.Transport
	// Shutdown stops scanning, drops every link and releases the adapter.
	Shutdown()
}

var (
	_ Backend = (*goble.Transport)(nil)
	_ Backend = (*tinygo.Transport)(nil)
)

// NewBackend creates the transport named by cfg.Transport.Backend. Neither
// backend touches the radio until first use.
func NewBackend(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	switch cfg.Transport.Backend {
	case config.BackendGoBLE, "":
		return goble.New(cfg.GobleOptions(), logger), nil
	case config.BackendTinyGo:
		return tinygo.New(cfg.TinygoOptions(), logger), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
}
