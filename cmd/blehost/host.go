package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/event"
	"github.com/srg/blehost/internal/transport"
	"github.com/srg/blehost/pkg/config"
	"github.com/srg/blehost/pkg/manager"
)

// newBackend creates the radio transport; tests replace it.
var newBackend = manager.NewBackend

var errEventsClosed = errors.New("event queue closed")

// host owns one Manager for the lifetime of a command and the event queue it
// reports to.
type host struct {
	cfg     *config.Config
	logger  *logrus.Logger
	backend manager.Backend
	events  *event.ChannelSink
	writer  *event.WriterSink
	out     *printer
	mgr     *manager.Manager
}

// newHost loads the configuration, lets tweak adjust it, and wires a Manager
// over the configured backend. The caller must Close the host.
func newHost(cmd *cobra.Command, format string, tweak func(cfg *config.Config)) (*host, error) {
	out, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return nil, err
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(cfg)
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Transport.Backend, err)
	}

	h := &host{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		events:  event.NewChannelSink(cfg.Events.Buffer),
		out:     out,
	}
	sinks := event.MultiSink{h.events}
	if out.json {
		h.writer = event.NewWriterSink(context.Background(), cmd.OutOrStdout(), event.DefaultWriterSinkCapacity, logger)
		sinks = append(sinks, h.writer)
	}
	h.mgr = manager.New(cfg, backend, sinks, logger)

	logger.WithFields(logrus.Fields{
		"backend":  cfg.Transport.Backend,
		"receiver": cfg.Receiver,
	}).Debug("Host ready")
	return h, nil
}

// Close tears down every session, releases the radio and flushes output.
func (h *host) Close() {
	h.mgr.Close()
	h.backend.Shutdown()
	if h.writer != nil {
		h.writer.Close()
	}
	h.events.Close()
	if n := h.events.Overwritten(); n > 0 {
		h.logger.WithField("overwritten", n).Warn("Event queue overflowed; some events were not shown")
	}
}

// await prints events until handle reports done or an error, ctx ends, or the
// event queue closes. A nil handle prints until ctx ends.
func (h *host) await(ctx context.Context, handle func(msg event.Message) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-h.events.C():
			if !ok {
				return errEventsClosed
			}
			h.out.Event(msg)
			if handle == nil {
				continue
			}
			if done, err := handle(msg); err != nil || done {
				return err
			}
		}
	}
}

// drain handles the events already queued without waiting for more.
func (h *host) drain(handle func(msg event.Message) (bool, error)) error {
	for {
		select {
		case msg, ok := <-h.events.C():
			if !ok {
				return errEventsClosed
			}
			h.out.Event(msg)
			if done, err := handle(msg); err != nil || done {
				return err
			}
		default:
			return nil
		}
	}
}

// open connects address and discovers its services.
func (h *host) open(ctx context.Context, address string) error {
	if !h.mgr.IsRadioEnabled() {
		return device.ErrBluetoothOff
	}

	ctx, cancel := withDuration(ctx, 2*h.cfg.Transport.ConnectTimeout)
	defer cancel()

	h.out.Status("Connecting to %s...", address)
	if !h.mgr.Connect(address) {
		return fmt.Errorf("connect %s: %w", address, ErrRequestRejected)
	}
	err := h.await(ctx, func(msg event.Message) (bool, error) {
		c, ok := stateChange(msg, address)
		if !ok {
			return false, nil
		}
		switch transport.ConnectionState(c.NewState) {
		case transport.StateConnected:
			return true, nil
		case transport.StateDisconnected:
			return true, &StatusError{Op: "connect", Address: address, Status: c.Status}
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	if !h.mgr.DiscoverServices(address) {
		return fmt.Errorf("discover services on %s: %w", address, ErrRequestRejected)
	}
	return h.await(ctx, func(msg event.Message) (bool, error) {
		if err := lostLink(msg, address); err != nil {
			return true, err
		}
		if msg.Name != event.ServicesDiscoveredEvent {
			return false, nil
		}
		var d event.ServicesDiscovered
		if err := msg.Decode(&d); err != nil || !strings.EqualFold(d.DeviceAddress, address) {
			return false, err
		}
		if d.Status != transport.StatusSuccess {
			return true, &StatusError{Op: "discover services on", Address: address, Status: d.Status}
		}
		return true, nil
	})
}

// stream prints events until ctx ends. Losing the link to address is an error;
// reaching the end of ctx is not.
func (h *host) stream(ctx context.Context, address string) error {
	err := h.await(ctx, func(msg event.Message) (bool, error) {
		if err := lostLink(msg, address); err != nil {
			return true, err
		}
		return false, nil
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// stateChange decodes msg if it is a connection state change for address.
func stateChange(msg event.Message, address string) (event.ConnectionStateChange, bool) {
	var c event.ConnectionStateChange
	if msg.Name != event.ConnectionStateChangeEvent || msg.Decode(&c) != nil {
		return c, false
	}
	return c, strings.EqualFold(c.DeviceAddress, address)
}

// lostLink returns ErrConnectionLost if msg reports that address disconnected.
func lostLink(msg event.Message, address string) error {
	c, ok := stateChange(msg, address)
	if !ok || transport.ConnectionState(c.NewState) != transport.StateDisconnected {
		return nil
	}
	return fmt.Errorf("%s: %w", address, ErrConnectionLost)
}

// withInterrupt returns a context cancelled on Ctrl+C or SIGTERM. The returned
// cancel function also stops signal delivery.
func withInterrupt(parent context.Context, errOut io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(errOut, "\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// withDuration bounds ctx by d when d is positive.
func withDuration(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
