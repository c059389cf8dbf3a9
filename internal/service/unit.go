package service

import (
	"fmt"
	"strings"
	"time"
)

const DefaultUnit = "jobhost.service"

// UnitStatus is the systemd view of one unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	MainPID     uint32
	Memory      uint64 // bytes
	ActiveSince time.Time
	StateChange time.Time
}

func (s UnitStatus) Found() bool { return s.LoadState != "" && s.LoadState != "not-found" }

// String renders the status for -status output.
func (s UnitStatus) String() string {
	if !s.Found() {
		return fmt.Sprintf("%s: not found", s.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (%s)", s.Name, s.Active, s.SubState)
	if s.Description != "" {
		fmt.Fprintf(&b, "\n  description: %s", s.Description)
	}
	if s.MainPID > 0 {
		fmt.Fprintf(&b, "\n  main pid: %d", s.MainPID)
	}
	if !s.ActiveSince.IsZero() && s.Active == "active" {
		fmt.Fprintf(&b, "\n  since: %s (%s)", s.ActiveSince.Format(time.RFC3339), time.Since(s.ActiveSince).Truncate(time.Second))
	} else if !s.StateChange.IsZero() {
		fmt.Fprintf(&b, "\n  changed: %s", s.StateChange.Format(time.RFC3339))
	}
	if s.Memory > 0 {
		fmt.Fprintf(&b, "\n  memory: %.1f MiB", float64(s.Memory)/(1<<20))
	}
	return b.String()
}

// unitName appends ".service" to bare names.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultUnit
	}
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// parseTimestamp reads a systemd microsecond timestamp property.
func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// statusFromProps builds a UnitStatus from a D-Bus unit property map.
func statusFromProps(name string, props map[string]any) UnitStatus {
	st := UnitStatus{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	// MemoryCurrent is MaxUint64 when accounting is off.
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem > 0 && mem != ^uint64(0) {
		st.Memory = mem
	}
	return st
}
