package statedriven

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/bmc-data-sync/internal/syncerr"
)

const objectMapperService = "xyz.openbmc_project.ObjectMapper"
const objectMapperPath = "/xyz/openbmc_project/object_mapper"
const objectMapperIface = "xyz.openbmc_project.ObjectMapper"
const propertiesIface = "org.freedesktop.DBus.Properties"
const dbusDaemonService = "org.freedesktop.DBus"
const dbusDaemonPath = "/org/freedesktop/DBus"

// Bus abstracts the subset of D-Bus operations the controller needs, so
// it can be driven by a fake in tests instead of a real system bus.
type Bus interface {
	ResolveObjectPath(ctx context.Context, serviceHint, interfaceName string) (objectPath string, err error)
	GetAllProperties(ctx context.Context, service, objectPath, interfaceName string) (map[string]any, error)
	WatchNameOwnerChanged(ctx context.Context, service string) (<-chan bool, error)
	WatchPropertiesChanged(ctx context.Context, service, objectPath, interfaceName string) (<-chan map[string]any, error)
}

// DBusBus is the production Bus, backed by a real system-bus connection.
type DBusBus struct {
	conn *dbus.Conn
}

// NewDBusBus connects to the system bus.
func NewDBusBus() (*DBusBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("statedriven: failed to connect to system bus: %w", err)
	}
	return &DBusBus{conn: conn}, nil
}

func (b *DBusBus) Close() error {
	return b.conn.Close()
}

// ResolveObjectPath asks the object mapper for the object implementing
// interfaceName, restricted to services named serviceHint when non-empty.
func (b *DBusBus) ResolveObjectPath(ctx context.Context, serviceHint, interfaceName string) (string, error) {
	mapper := b.conn.Object(objectMapperService, dbus.ObjectPath(objectMapperPath))

	var subtreeResult map[string]map[string][]string
	call := mapper.CallWithContext(ctx, objectMapperIface+".GetSubTree", 0, "/", int32(0), []string{interfaceName})
	if call.Err != nil {
		return "", &syncerr.StateProviderError{Interface: interfaceName, Err: call.Err}
	}
	if err := call.Store(&subtreeResult); err != nil {
		return "", &syncerr.StateProviderError{Interface: interfaceName, Err: err}
	}

	for path, services := range subtreeResult {
		if serviceHint == "" {
			for svc := range services {
				_ = svc
				return path, nil
			}
		}
		if _, ok := services[serviceHint]; ok {
			return path, nil
		}
	}

	return "", &syncerr.StateProviderError{Interface: interfaceName, Err: fmt.Errorf("no object implements %s", interfaceName)}
}

// GetAllProperties fetches every property of interfaceName at objectPath.
func (b *DBusBus) GetAllProperties(ctx context.Context, service, objectPath, interfaceName string) (map[string]any, error) {
	obj := b.conn.Object(service, dbus.ObjectPath(objectPath))

	var props map[string]dbus.Variant
	call := obj.CallWithContext(ctx, propertiesIface+".GetAll", 0, interfaceName)
	if call.Err != nil {
		return nil, &syncerr.StateProviderError{Interface: interfaceName, Err: call.Err}
	}
	if err := call.Store(&props); err != nil {
		return nil, &syncerr.StateProviderError{Interface: interfaceName, Err: err}
	}

	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v.Value()
	}
	return out, nil
}

// WatchNameOwnerChanged reports true when service gains an owner and
// false when it loses one.
func (b *DBusBus) WatchNameOwnerChanged(ctx context.Context, service string) (<-chan bool, error) {
	matchRule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='%s',member='NameOwnerChanged',arg0='%s'",
		dbusDaemonService, dbusDaemonPath, dbusDaemonService, service)
	if err := b.conn.BusObject().CallWithContext(ctx, dbusDaemonService+".AddMatch", 0, matchRule).Err; err != nil {
		return nil, &syncerr.StateProviderError{Interface: service, Err: err}
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)

	out := make(chan bool, 1)
	go func() {
		defer func() {
			close(out)
			b.conn.RemoveSignal(signals)
			b.conn.BusObject().Call(dbusDaemonService+".RemoveMatch", 0, matchRule)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != dbusDaemonService+".NameOwnerChanged" || len(sig.Body) != 3 {
					continue
				}
				newOwner, _ := sig.Body[2].(string)
				select {
				case out <- newOwner != "":
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// WatchPropertiesChanged reports the changed-properties map for each
// PropertiesChanged signal matching the given scope.
func (b *DBusBus) WatchPropertiesChanged(ctx context.Context, service, objectPath, interfaceName string) (<-chan map[string]any, error) {
	matchRule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='%s',member='PropertiesChanged',arg0='%s'",
		service, objectPath, propertiesIface, interfaceName)
	if err := b.conn.BusObject().CallWithContext(ctx, dbusDaemonService+".AddMatch", 0, matchRule).Err; err != nil {
		return nil, &syncerr.StateProviderError{Interface: interfaceName, Err: err}
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)

	out := make(chan map[string]any, 1)
	go func() {
		defer func() {
			close(out)
			b.conn.RemoveSignal(signals)
			b.conn.BusObject().Call(dbusDaemonService+".RemoveMatch", 0, matchRule)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				vals := make(map[string]any, len(changed))
				for k, v := range changed {
					vals[k] = v.Value()
				}
				select {
				case out <- vals:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
