// Package capability answers whether the host may use the radio: runtime
// permissions and whether the adapter is powered.
package capability

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// PermissionProvider reports runtime permission grants.
type PermissionProvider interface {
	HasLocationPermission() bool
	HasScanPermission() bool
	// RequestPermissions asks the platform for any missing grant. The outcome is
	// observed later through the Has* predicates.
	RequestPermissions()
}

// Radio reports and toggles the adapter power state.
type Radio interface {
	RadioEnabled() bool
	RequestRadioEnable()
}

// StaticPermissions is a PermissionProvider with fixed grants. Desktop hosts
// have no runtime permission model, so grants come from configuration.
type StaticPermissions struct {
	Location bool
	Scan     bool
}

func (p StaticPermissions) HasLocationPermission() bool { return p.Location }
func (p StaticPermissions) HasScanPermission() bool { return p.Scan }
func (p StaticPermissions) RequestPermissions() {}

// Gate is the capability predicate consulted before scanning.
type Gate struct {
	perms   PermissionProvider
	radio   Radio
	granted atomic.Bool
	logger  *logrus.Logger
}

// NewGate creates a Gate. A nil provider grants everything.
func NewGate(perms PermissionProvider, radio Radio, logger *logrus.Logger) *Gate {
	if perms == nil {
		perms = StaticPermissions{Location: true, Scan: true}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{perms: perms, radio: radio, logger: logger}
}

// HasRequiredPermissions reports whether both location and scan permission are
// granted. Once true it stays true for the lifetime of the Gate.
func (g *Gate) HasRequiredPermissions() bool {
	if g.granted.Load() {
		return true
	}
	ok := g.perms.HasLocationPermission() && g.perms.HasScanPermission()
	if ok {
		g.granted.Store(true)
		g.logger.Debug("Required permissions granted")
	}
	return ok
}

// HasScanPermission reports the scan grant alone.
func (g *Gate) HasScanPermission() bool {
	return g.granted.Load() || g.perms.HasScanPermission()
}

// HasLocationPermission reports the location grant alone.
func (g *Gate) HasLocationPermission() bool {
	return g.granted.Load() || g.perms.HasLocationPermission()
}

// IsRadioEnabled queries the adapter. It is never cached.
func (g *Gate) IsRadioEnabled() bool {
	if g.radio == nil {
		return false
	}
	return g.radio.RadioEnabled()
}

// RequestPermissions forwards to the provider. Fire-and-forget.
func (g *Gate) RequestPermissions() {
	g.logger.Debug("Requesting permissions")
	g.perms.RequestPermissions()
}

// RequestRadioEnable asks the adapter to power on. Fire-and-forget.
func (g *Gate) RequestRadioEnable() {
	if g.radio == nil {
		return
	}
	g.logger.Debug("Requesting radio enable")
	g.radio.RequestRadioEnable()
}
