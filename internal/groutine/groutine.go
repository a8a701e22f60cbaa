// Package groutine starts named goroutines for transport callbacks and timers.
//
// Names show up as pprof labels, which makes per-link workers easy to find in a
// goroutine dump. A panic inside fn is recovered and logged: a misbehaving host
// sink or radio driver must never take the process down.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
// If parentCtx is nil, context.Background() is used. If logger is nil, panics
// are recovered silently.
//
//	groutine.Go(ctx, logger, "link-7", func(ctx context.Context) {
//	    // serial GATT work
//	})
func Go(parentCtx context.Context, logger *logrus.Logger, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer Recover(logger, name)
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(logger *logrus.Logger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     r,
		"stack":     string(debug.Stack()),
	}).Error("Recovered panic in goroutine")
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
