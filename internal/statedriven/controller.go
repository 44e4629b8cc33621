// Package statedriven watches externally observed component states and
// gates Sync Entries' transfers on them: a configured suspend value
// pauses an entry, a configured resume value clears the pause and
// triggers exactly one sync.
package statedriven

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/openbmc/bmc-data-sync/internal/config"
	"github.com/openbmc/bmc-data-sync/internal/util"
)

const (
	resolveMaxAttempts = 5
	resolveRetryDelay  = 30 * time.Millisecond
	reresolveBackoff   = 5 * time.Second
)

func resolveRetryConfig() util.RetryConfig {
	return util.RetryConfig{
		MaxRetries:     resolveMaxAttempts - 1,
		InitialBackoff: resolveRetryDelay,
		MaxBackoff:     resolveRetryDelay,
		Multiplier:     1.0,
	}
}

// Callbacks is how the controller reports back to the engine. All
// methods are invoked from the controller's own goroutines and must be
// safe to call concurrently; the engine's reactor is the natural place
// to serialize them.
type Callbacks interface {
	// OnSuspendChanged fires whenever entryID's suspend flag under one of
	// its interfaces changes value. The controller passes iface as an
	// empty string; the interface name is not reported.
	OnSuspendChanged(entryID int, iface string, suspended bool)
	// TriggerSync asks the engine to run entryID's sync once, outside
	// its normal cadence.
	TriggerSync(entryID int)
}

type registration struct {
	entryID int
	info    *config.StateInfo
}

// Controller runs one logical task per distinct interface name, fed by
// every entry that names that interface in its state-driven descriptor.
type Controller struct {
	bus       Bus
	callbacks Callbacks

	groups map[string][]*registration
}

// NewController constructs a controller bound to bus and callbacks.
func NewController(bus Bus, callbacks Callbacks) *Controller {
	return &Controller{
		bus:       bus,
		callbacks: callbacks,
		groups:    make(map[string][]*registration),
	}
}

// Register adds entryID's StateInfo for iface to the controller's
// tracked set. Must be called before Run.
func (c *Controller) Register(entryID int, iface string, info *config.StateInfo) {
	c.groups[iface] = append(c.groups[iface], &registration{entryID: entryID, info: info})
}

// Run starts one task per registered interface and blocks until ctx is
// cancelled or every task has returned.
func (c *Controller) Run(ctx context.Context) error {
	errs := make(chan error, len(c.groups))
	for iface, regs := range c.groups {
		go func(iface string, regs []*registration) {
			errs <- c.runInterface(ctx, iface, regs)
		}(iface, regs)
	}

	var firstErr error
	for i := 0; i < len(c.groups); i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) serviceHint(regs []*registration) string {
	for _, r := range regs {
		if r.info.ServiceName != "" {
			return r.info.ServiceName
		}
	}
	return ""
}

// runInterface only ever returns nil: a transient D-Bus hiccup for this
// interface must not tear down the other registered interfaces' tasks,
// so every failure short of outer cancellation is logged and retried
// rather than propagated through Controller.Run into the engine's shared
// errgroup.
func (c *Controller) runInterface(ctx context.Context, iface string, regs []*registration) error {
	service := c.serviceHint(regs)

	for {
		objectPath, err := c.resolveWithRetry(ctx, service, iface)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("statedriven: giving up on resolving object path for now, leaving suspend state unchanged", "interface", iface, "error", err)
			if !sleepOrDone(ctx, reresolveBackoff) {
				return nil
			}
			continue
		}

		subCtx, cancelSub := context.WithCancel(ctx)

		ownerCh, err := c.bus.WatchNameOwnerChanged(subCtx, service)
		if err != nil {
			cancelSub()
			slog.Warn("statedriven: failed to subscribe to name owner changes, retrying", "interface", iface, "service", service, "error", err)
			if !sleepOrDone(ctx, reresolveBackoff) {
				return nil
			}
			continue
		}
		propCh, err := c.bus.WatchPropertiesChanged(subCtx, service, objectPath, iface)
		if err != nil {
			cancelSub()
			slog.Warn("statedriven: failed to subscribe to property changes, retrying", "interface", iface, "service", service, "error", err)
			if !sleepOrDone(ctx, reresolveBackoff) {
				return nil
			}
			continue
		}

		initial, err := c.bus.GetAllProperties(subCtx, service, objectPath, iface)
		if err == nil {
			c.evaluate(regs, initial)
		}

		reappear := c.watchLoop(ctx, regs, ownerCh, propCh)
		cancelSub()
		if !reappear {
			return nil
		}
		// service reappeared; loop back to re-resolve and re-evaluate.
	}
}

// sleepOrDone waits for d or ctx cancellation, whichever comes first,
// and reports whether the wait completed normally.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// watchLoop services property and ownership changes for one resolved
// object until the owning service disappears (returns true, meaning the
// caller should re-resolve) or ctx is cancelled (returns false).
func (c *Controller) watchLoop(ctx context.Context, regs []*registration, ownerCh <-chan bool, propCh <-chan map[string]any) bool {
	disappeared := false
	for {
		select {
		case <-ctx.Done():
			return false

		case owned, ok := <-ownerCh:
			if !ok {
				return false
			}
			if !owned {
				if !disappeared {
					c.handleDisappearance(regs)
					disappeared = true
				}
				continue
			}
			if disappeared {
				return true
			}

		case changed, ok := <-propCh:
			if !ok {
				return false
			}
			if disappeared {
				continue
			}
			c.evaluate(regs, changed)
		}
	}
}

func (c *Controller) resolveWithRetry(ctx context.Context, service, iface string) (string, error) {
	var resolved string
	err := util.Retry(ctx, resolveRetryConfig(), func() error {
		path, err := c.bus.ResolveObjectPath(ctx, service, iface)
		if err != nil {
			return err
		}
		resolved = path
		return nil
	}, nil)
	if err != nil {
		return "", fmt.Errorf("statedriven: failed to resolve %s after %d attempts: %w", iface, resolveMaxAttempts, err)
	}
	return resolved, nil
}

// evaluate applies one batch of property values against every
// registration's suspend/resume sets.
func (c *Controller) evaluate(regs []*registration, props map[string]any) {
	for _, reg := range regs {
		info := reg.info

		for prop, allowed := range info.SuspendStates {
			raw, ok := props[prop]
			if !ok {
				continue
			}
			if _, match := allowed[canonicalize(raw)]; match && !info.SuspendSync {
				info.SuspendSync = true
				c.callbacks.OnSuspendChanged(reg.entryID, "", true)
			}
		}

		for prop, allowed := range info.ResumeStates {
			raw, ok := props[prop]
			if !ok {
				continue
			}
			if _, match := allowed[canonicalize(raw)]; match && info.SuspendSync {
				info.SuspendSync = false
				c.callbacks.OnSuspendChanged(reg.entryID, "", false)
				c.callbacks.TriggerSync(reg.entryID)
			}
		}
	}
}

// handleDisappearance clears every registration's suspend flag when the
// provider's owner vanishes: resume is inferred from absence.
func (c *Controller) handleDisappearance(regs []*registration) {
	for _, reg := range regs {
		if reg.info.SuspendSync {
			reg.info.SuspendSync = false
			c.callbacks.OnSuspendChanged(reg.entryID, "", false)
			c.callbacks.TriggerSync(reg.entryID)
		}
	}
}

// canonicalize converts a dynamically typed D-Bus property value into
// the string form configured suspend/resume value sets are expressed in.
func canonicalize(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
