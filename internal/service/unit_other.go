//go:build !linux

package service

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("service: systemd is linux only")

func QueryUnit(ctx context.Context, name string) (UnitStatus, error) {
	return UnitStatus{Name: unitName(name)}, ErrUnsupported
}
