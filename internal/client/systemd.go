// Package client — systemd.go
//
// Ensures gaimoded.service is running before the client talks to it,
// mirroring systemctl's own LoadUnit/ActiveState/StartUnit sequence
// over the session D-Bus.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	serviceName      = "gaimoded.service"
	systemdDest      = "org.freedesktop.systemd1"
	systemdObjPath   = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManagerIf = "org.freedesktop.systemd1.Manager"
	systemdUnitIf    = "org.freedesktop.systemd1.Unit"
	dbusCallTimeout  = 500 * time.Millisecond
	startupGrace     = 150 * time.Millisecond
)

// EnsureDaemonRunning asks the session systemd instance whether
// gaimoded.service is active, and starts it if not. Returns nil
// immediately if the unit is already active or activating.
func EnsureDaemonRunning() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("client: connect to session bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	manager := conn.Object(systemdDest, systemdObjPath)

	var unitPath dbus.ObjectPath
	call := manager.CallWithContext(ctx, systemdManagerIf+".LoadUnit", 0, serviceName)
	if call.Err != nil {
		return fmt.Errorf("client: LoadUnit(%s): %w", serviceName, call.Err)
	}
	if err := call.Store(&unitPath); err != nil {
		return fmt.Errorf("client: decode LoadUnit reply: %w", err)
	}

	unit := conn.Object(systemdDest, unitPath)
	var stateVariant dbus.Variant
	call = unit.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, systemdUnitIf, "ActiveState")
	if call.Err != nil {
		return fmt.Errorf("client: read ActiveState: %w", call.Err)
	}
	if err := call.Store(&stateVariant); err != nil {
		return fmt.Errorf("client: decode ActiveState reply: %w", err)
	}
	state, _ := stateVariant.Value().(string)

	if state == "active" || state == "activating" {
		return nil
	}

	var jobPath dbus.ObjectPath
	call = manager.CallWithContext(ctx, systemdManagerIf+".StartUnit", 0, serviceName, "replace")
	if call.Err != nil {
		return fmt.Errorf("client: StartUnit(%s): %w", serviceName, call.Err)
	}
	if err := call.Store(&jobPath); err != nil {
		return fmt.Errorf("client: decode StartUnit reply: %w", err)
	}

	time.Sleep(startupGrace)
	return nil
}
