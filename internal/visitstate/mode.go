package visitstate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ReadMode selects which backend answers visit-state reads.
type ReadMode string

const (
	// ReadModeMemory serves reads from the in-process map only.
	ReadModeMemory ReadMode = "memory"
	// ReadModeShadow serves reads from memory while comparing against the table once per day.
	ReadModeShadow ReadMode = "shadow"
	// ReadModeDB serves reads from the durable table.
	ReadModeDB ReadMode = "db"
)

// ErrInvalidReadMode indicates an unsupported read-mode override.
var ErrInvalidReadMode = errors.New("visitstate: invalid read mode")

// ParseReadMode accepts an empty value (no override) or one of memory, shadow, db.
func ParseReadMode(raw string) (ReadMode, error) {
	normalized := ReadMode(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case "", ReadModeMemory, ReadModeShadow, ReadModeDB:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReadMode, raw)
	}
}

// ModeSnapshot is a point-in-time view of the controller.
type ModeSnapshot struct {
	Mode        ReadMode `json:"mode"`
	CheckedDays []string `json:"checked_days"`
}

// ModeController owns the current read mode and the set of days already compared.
// Promotion to db is process-local: a restart begins in shadow again.
type ModeController struct {
	mu          sync.Mutex
	mode        ReadMode
	checkedDays map[string]struct{}
}

// NewModeController picks the starting mode. Without a durable backend the mode is memory
// regardless of override.
func NewModeController(durableConfigured bool, override ReadMode) *ModeController {
	mode := ReadModeShadow
	switch {
	case !durableConfigured:
		mode = ReadModeMemory
	case override != "":
		mode = override
	}
	return &ModeController{
		mode:        mode,
		checkedDays: make(map[string]struct{}),
	}
}

// Mode reports the current read mode.
func (c *ModeController) Mode() ReadMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// BeginComparison reserves the comparison for day. It returns true at most once per day and only in shadow mode.
func (c *ModeController) BeginComparison(day string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ReadModeShadow {
		return false
	}
	if _, checked := c.checkedDays[day]; checked {
		return false
	}
	c.checkedDays[day] = struct{}{}
	return true
}

// Resolve records the outcome of the comparison for day and reports whether it promoted the controller to db.
func (c *ModeController) Resolve(day string, mismatches int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ReadModeShadow || mismatches != 0 {
		return false
	}
	if _, checked := c.checkedDays[day]; !checked {
		return false
	}
	c.mode = ReadModeDB
	return true
}

// Snapshot copies the mode and the checked days in ascending order.
func (c *ModeController) Snapshot() ModeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	days := make([]string, 0, len(c.checkedDays))
	for day := range c.checkedDays {
		days = append(days, day)
	}
	sort.Strings(days)
	return ModeSnapshot{Mode: c.mode, CheckedDays: days}
}
