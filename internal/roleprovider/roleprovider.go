// Package roleprovider supplies the engine with the local node's
// redundancy role and the information needed to reach its peer: network
// position and credentials. The engine treats it as an external
// collaborator. The daemon fetches one Snapshot at start; a later
// redundancy-state change is not picked up while it runs.
package roleprovider

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"golang.org/x/crypto/ssh"

	"github.com/openbmc/bmc-data-sync/internal/syncerr"
)

// Role is the local node's redundancy designation.
type Role string

const (
	Active  Role = "Active"
	Passive Role = "Passive"
)

// Credentials are what the transfer executor needs to authenticate to
// the peer over its transport. PrivateKey is parsed eagerly so a
// malformed key surfaces at fetch time rather than at first transfer.
type Credentials struct {
	User       string
	PrivateKey ssh.Signer
}

// Snapshot is one redundancy-manager read: the local role, whether
// redundancy is currently established, the peer's network position, and
// (when redundancy holds) its credentials.
type Snapshot struct {
	Role        Role
	Redundant   bool
	PeerAddress string
	Credentials *Credentials
}

const (
	redundancyService   = "xyz.openbmc_project.State.BMC.Redundancy"
	redundancyPath      = "/xyz/openbmc_project/state/bmc_redundancy0"
	redundancyIface     = "xyz.openbmc_project.State.BMC.Redundancy"
	siblingPosService   = "xyz.openbmc_project.Inventory.Manager"
	credentialsService  = "xyz.openbmc_project.Certs.Manager"
)

// Provider fetches a fresh Snapshot.
type Provider interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// DBusProvider is the production Provider: fetchBMCRedundancyMgrProps,
// fetchSiblingBmcPos, and fetchRbmcCredentials read off their respective
// D-Bus interfaces, mirroring the external-data-interfaces contract the
// daemon's redundancy manager collaborator exposes.
type DBusProvider struct {
	conn *dbus.Conn
}

// NewDBusProvider wraps an established system-bus connection.
func NewDBusProvider(conn *dbus.Conn) *DBusProvider {
	return &DBusProvider{conn: conn}
}

func (p *DBusProvider) Fetch(ctx context.Context) (Snapshot, error) {
	role, redundant, err := p.fetchBMCRedundancyMgrProps(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Role: role, Redundant: redundant}
	if !redundant {
		return snap, nil
	}

	addr, err := p.fetchSiblingBmcPos(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.PeerAddress = addr

	creds, err := p.fetchRbmcCredentials(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Credentials = creds

	return snap, nil
}

func (p *DBusProvider) fetchBMCRedundancyMgrProps(ctx context.Context) (Role, bool, error) {
	obj := p.conn.Object(redundancyService, dbus.ObjectPath(redundancyPath))

	var roleStr string
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, redundancyIface, "Role").Store(&roleStr); err != nil {
		return "", false, &syncerr.StateProviderError{Interface: redundancyIface, Err: err}
	}

	var redundant bool
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, redundancyIface, "Redundant").Store(&redundant); err != nil {
		return "", false, &syncerr.StateProviderError{Interface: redundancyIface, Err: err}
	}

	role := Passive
	if roleStr == string(Active) {
		role = Active
	}
	return role, redundant, nil
}

func (p *DBusProvider) fetchSiblingBmcPos(ctx context.Context) (string, error) {
	obj := p.conn.Object(siblingPosService, dbus.ObjectPath("/xyz/openbmc_project/inventory/system/chassis/bmc_redundancy/sibling"))

	var addr string
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, "xyz.openbmc_project.Network.IP", "Address").Store(&addr); err != nil {
		return "", &syncerr.StateProviderError{Interface: siblingPosService, Err: err}
	}
	return addr, nil
}

func (p *DBusProvider) fetchRbmcCredentials(ctx context.Context) (*Credentials, error) {
	obj := p.conn.Object(credentialsService, dbus.ObjectPath("/xyz/openbmc_project/certs/client/rbmc"))

	var user string
	var keyPEM []byte
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, "xyz.openbmc_project.Certs.Client", "User").Store(&user); err != nil {
		return nil, &syncerr.StateProviderError{Interface: credentialsService, Err: err}
	}
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, "xyz.openbmc_project.Certs.Client", "PrivateKey").Store(&keyPEM); err != nil {
		return nil, &syncerr.StateProviderError{Interface: credentialsService, Err: err}
	}

	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, &syncerr.StateProviderError{Interface: credentialsService, Err: fmt.Errorf("parsing rbmc private key: %w", err)}
	}

	return &Credentials{User: user, PrivateKey: signer}, nil
}
