package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"jobhost/internal/config"
	"jobhost/internal/service"
)

// Status prints the systemd state of the configured unit (or unit, when set).
func Status(ctx context.Context, cfgPath, unit string, w io.Writer) error {
	if strings.TrimSpace(unit) == "" {
		if cfg, err := config.NewManager(cfgPath).Parse(); err == nil {
			unit = unitName(cfg)
		}
	}
	st, err := service.QueryUnit(ctx, unit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, st.String())
	return nil
}
