// Package controlsurface exposes the request/response interface an
// operator or higher-level management stack uses to trigger a full-sync
// campaign on demand and to observe its health: a method and two
// properties, published over D-Bus.
package controlsurface

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/openbmc/bmc-data-sync/internal/health"
)

const (
	objectPath  = "/xyz/openbmc_project/data_sync"
	ifaceName   = "xyz.openbmc_project.DataSync"
	serviceName = "xyz.openbmc_project.DataSync"
)

// FullSyncTrigger is called when a client invokes the TriggerFullSync
// method. Implementations should return promptly and run the campaign
// asynchronously on the engine's own task.
type FullSyncTrigger func()

// Surface is the control surface contract the engine publishes against.
type Surface interface {
	SetFullSyncStatus(status health.Status)
	SetHealth(value health.Value)
}

// DBusSurface publishes TriggerFullSync, FullSyncStatus, and
// SyncEventsHealth on the system bus using godbus's prop helper for
// property change notification.
type DBusSurface struct {
	conn    *dbus.Conn
	props   *prop.Properties
	trigger FullSyncTrigger

	mu     sync.Mutex
	status health.Status
	value  health.Value
}

// NewDBusSurface claims serviceName on conn and exports the object,
// calling trigger whenever TriggerFullSync is invoked.
func NewDBusSurface(conn *dbus.Conn, trigger FullSyncTrigger) (*DBusSurface, error) {
	s := &DBusSurface{conn: conn, trigger: trigger, status: health.Completed, value: health.Ok}

	propsSpec := map[string]map[string]*prop.Prop{
		ifaceName: {
			"FullSyncStatus": {
				Value:    string(s.status),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"SyncEventsHealth": {
				Value:    string(s.value),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	}

	props, err := prop.Export(conn, dbus.ObjectPath(objectPath), propsSpec)
	if err != nil {
		return nil, fmt.Errorf("controlsurface: failed to export properties: %w", err)
	}
	s.props = props

	if err := conn.Export(s, dbus.ObjectPath(objectPath), ifaceName); err != nil {
		return nil, fmt.Errorf("controlsurface: failed to export object: %w", err)
	}

	node := &introspect.Node{
		Name: objectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: ifaceName,
				Methods: []introspect.Method{
					{Name: "TriggerFullSync"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), dbus.ObjectPath(objectPath), "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("controlsurface: failed to export introspection data: %w", err)
	}

	reply, err := conn.RequestName(serviceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("controlsurface: failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("controlsurface: bus name %s already owned", serviceName)
	}

	return s, nil
}

// TriggerFullSync is the exported D-Bus method. It's a thin trampoline
// onto the engine's own trigger, which is expected to return
// immediately and run the campaign on its own task.
func (s *DBusSurface) TriggerFullSync() *dbus.Error {
	if s.trigger != nil {
		s.trigger()
	}
	return nil
}

// SetFullSyncStatus publishes a new FullSyncStatus value.
func (s *DBusSurface) SetFullSyncStatus(status health.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.props.SetMust(ifaceName, "FullSyncStatus", string(status))
}

// SetHealth publishes a new SyncEventsHealth value.
func (s *DBusSurface) SetHealth(value health.Value) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
	s.props.SetMust(ifaceName, "SyncEventsHealth", string(value))
}

// MemorySurface is a Surface that just records the latest values, for
// tests and for the engine's unit tests that don't want a bus
// connection.
type MemorySurface struct {
	mu     sync.Mutex
	status health.Status
	value  health.Value
}

// NewMemorySurface returns an in-process Surface with no D-Bus
// dependency.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{}
}

func (m *MemorySurface) SetFullSyncStatus(status health.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *MemorySurface) SetHealth(value health.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
}

func (m *MemorySurface) Status() health.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MemorySurface) Health() health.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}
