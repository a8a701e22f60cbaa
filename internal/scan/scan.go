// Package scan owns the process-wide scan state: preconditions, the optional
// auto-stop deadline, and conversion of transport scan callbacks into host events.
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/transport"
)

// DefaultDeviceName is the advertised name the scan filter matches by default.
const DefaultDeviceName = "Cadence_Sensor"

// Gate is the subset of the capability gate the controller consults, in order.
type Gate interface {
	IsRadioEnabled() bool
	HasScanPermission() bool
	HasRequiredPermissions() bool
}

// Scanner is the subset of the transport that scans.
type Scanner interface {
	RadioEnabled() bool
	StartScan(filter transport.ScanFilter) error
	StopScan() error
}

// State is a snapshot of an active scan.
type State struct {
	Filter           transport.ScanFilter
	StartedAt        time.Time
	AutoStopDeadline time.Time // zero when the scan runs until stopped
}

// Controller starts and stops scans. All methods are safe for concurrent use.
type Controller struct {
	gate    Gate
	scanner Scanner
	emitter *event.Emitter
	filter  transport.ScanFilter
	logger  *logrus.Logger

	mu         sync.Mutex
	state      *State
	timer      *time.Timer
	generation uint64
}

// NewController creates a Controller that filters on the given device name.
func NewController(gate Gate, scanner Scanner, emitter *event.Emitter, deviceName string, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		gate:    gate,
		scanner: scanner,
		emitter: emitter,
		filter:  transport.ScanFilter{DeviceName: deviceName},
		logger:  logger,
	}
}

// StartScan checks preconditions and starts a filtered scan. A positive
// duration schedules an automatic stop; zero or negative scans until StopScan.
//
// The first failing precondition emits OnScanError and aborts without touching
// the transport. Calling StartScan while already scanning restarts the scan and
// replaces any pending deadline.
func (c *Controller) StartScan(duration time.Duration) error {
	if err := c.checkPreconditions(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelTimerLocked()

	// Restarting goes through the transport's stop so it never sees a second
	// start on a live scan.
	if c.state != nil {
		if err := c.scanner.StopScan(); err != nil {
			c.logger.WithError(err).Warn("Transport failed to stop scan before restart")
		}
	}

	if err := c.scanner.StartScan(c.filter); err != nil {
		c.state = nil
		c.logger.WithFields(logrus.Fields{
			"filter": c.filter.DeviceName,
			"error":  err,
		}).Warn("Transport rejected scan request")
		return err
	}

	now := time.Now()
	st := &State{Filter: c.filter, StartedAt: now}
	if duration > 0 {
		st.AutoStopDeadline = now.Add(duration)
		gen := c.generation
		c.timer = time.AfterFunc(duration, func() {
			groutine.Go(context.Background(), c.logger, "scan-auto-stop", func(context.Context) {
				c.autoStop(gen)
			})
		})
	}
	c.state = st

	c.logger.WithFields(logrus.Fields{
		"filter":   c.filter.DeviceName,
		"duration": duration,
	}).Info("Scan started")
	return nil
}

func (c *Controller) checkPreconditions() error {
	switch {
	case !c.gate.IsRadioEnabled():
		c.logger.Error("Scan could not start: radio is disabled or unsupported")
		c.emitter.Emit(event.ScanErrorEvent, event.ScanError{ErrorCode: event.ScanErrorRadioDisabled})
		return device.ErrBluetoothOff
	case !c.gate.HasScanPermission():
		c.logger.Error("Scan could not start: missing scan permission")
		c.emitter.Emit(event.ScanErrorEvent, event.ScanError{ErrorCode: event.ScanErrorMissingScanPermission})
		return device.ErrMissingScanPermission
	case !c.gate.HasRequiredPermissions():
		c.logger.Error("Scan could not start: missing location permission")
		c.emitter.Emit(event.ScanErrorEvent, event.ScanError{ErrorCode: event.ScanErrorMissingLocationPermission})
		return device.ErrMissingLocationPermission
	}
	return nil
}

// StopScan ends the current scan. It never fails: stopping while idle is a
// no-op, except that the transport is still told to stop when the radio is on.
func (c *Controller) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("manual")
}

func (c *Controller) autoStop(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A restart or manual stop since the timer was armed supersedes it.
	if gen != c.generation || c.state == nil {
		return
	}
	c.stopLocked("deadline")
}

func (c *Controller) stopLocked(reason string) {
	wasActive := c.state != nil
	c.cancelTimerLocked()
	c.state = nil

	if !c.scanner.RadioEnabled() {
		c.logger.Debug("Radio is disabled, skipping transport stop")
		return
	}
	if err := c.scanner.StopScan(); err != nil {
		c.logger.WithError(err).Warn("Transport failed to stop scan")
	}
	if wasActive {
		c.logger.WithField("reason", reason).Info("Scan stopped")
	}
}

// cancelTimerLocked disarms the pending deadline and invalidates any timer
// callback already in flight.
func (c *Controller) cancelTimerLocked() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// IsScanning reports whether a scan is active.
func (c *Controller) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != nil
}

// State returns a copy of the active scan state.
func (c *Controller) State() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return State{}, false
	}
	return *c.state, true
}

// OnScanResult emits one discovery event per advertisement, unfiltered and
// undeduplicated.
func (c *Controller) OnScanResult(name, address string, rssi int) {
	c.emitter.Emit(event.ScanResultEvent, event.ScanResult{RSSI: rssi, Name: name, Address: address})
}

// OnScanFailed emits the raw transport failure code. Any failure other than
// "already started" means no scan is running, so local state is cleared.
func (c *Controller) OnScanFailed(code int) {
	c.logger.WithField("code", code).Error("Scan failed")
	if code != transport.ScanFailedAlreadyStarted {
		c.mu.Lock()
		c.cancelTimerLocked()
		c.state = nil
		c.mu.Unlock()
	}
	c.emitter.Emit(event.ScanErrorEvent, event.ScanError{ErrorCode: code})
}
