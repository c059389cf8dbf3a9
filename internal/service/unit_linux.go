//go:build linux

package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// QueryUnit reads a unit's state from the system manager over D-Bus.
func QueryUnit(ctx context.Context, name string) (UnitStatus, error) {
	unit := unitName(name)

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return UnitStatus{Name: unit, LoadState: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("unit %s: %w", unit, err)
	}
	// MainPID and MemoryCurrent live on the Service interface.
	if strings.HasSuffix(unit, ".service") {
		if extra, err := conn.GetUnitTypePropertiesContext(ctx, unit, "Service"); err == nil {
			for k, v := range extra {
				props[k] = v
			}
		}
	}
	return statusFromProps(unit, props), nil
}
