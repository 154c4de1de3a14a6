// Package glv drives the grating light valve spatial light modulator.
//
// The modulator stores a table of preloaded columns (device codes, one per
// pixel) and plays them on column triggers.  In self-cycling mode it plays
// the preloaded table, then waits for one dynamically supplied column which
// it stores after the table, displays, and loops.
package glv

import (
	"errors"
	"time"
)

const (
	// Pixels is the number of pixels in one column
	Pixels = 1088

	// MaxLevel is the highest device code
	MaxLevel = 1023

	// BytesPerTransfer is the size of one USB column transfer
	BytesPerTransfer = 4096

	// VendorID and ProductID identify the controller's USB bridge
	VendorID  = 0x0D2B
	ProductID = 0x0102

	colTrigWidthNs = 200
	colTrigDelayNs = 0
)

var (
	// ErrNotPreloaded is generated when self cycling is requested with an empty table
	ErrNotPreloaded = errors.New("glv: no columns preloaded")

	// ErrColumnLength is generated when a column is not Pixels long
	ErrColumnLength = errors.New("glv: column must have one code per pixel")

	// ErrClosed is generated when the device has been closed
	ErrClosed = errors.New("glv: device closed")
)

// Params are the per operation modulator settings
type Params struct {
	// Vddah is the high side drive voltage setting
	Vddah int `yaml:"vddah" koanf:"vddah"`

	// ColumnPeriodNs is the column period in nanoseconds
	ColumnPeriodNs int `yaml:"columnPeriodNs" koanf:"columnPeriodNs"`

	// TriggerAuto free runs columns; otherwise columns are gated by a software frame trigger
	TriggerAuto bool `yaml:"triggerAuto" koanf:"triggerAuto"`

	// LoopCycleWait is the pause after each self cycling pass
	LoopCycleWait time.Duration `yaml:"loopCycleWait" koanf:"loopCycleWait"`
}

// DefaultParams are the settings used by the optimization runs
func DefaultParams() Params {
	return Params{
		Vddah:          340,
		ColumnPeriodNs: 6000,
		TriggerAuto:    true,
		LoopCycleWait:  50 * time.Millisecond,
	}
}

// Modulator is the modulator adapter used by the cycle loop
type Modulator interface {
	// Configure applies per operation settings
	Configure(Params) error

	// Preload replaces the column table
	Preload(frame [][]uint16) error

	// Cycle plays columns [start, end] once, or in a loop when repeat is true
	Cycle(start, end int, repeat bool) error

	// RunSelfCycle starts self cycling over the whole table
	RunSelfCycle() error

	// StopSelfCycle ends self cycling
	StopSelfCycle() error

	// LoadAndResume supplies the dynamic column and lets self cycling continue
	LoadAndResume(col []uint16) error

	// Stop ends any repeated display
	Stop() error
}

// ColumnPeriodSetter can change the column period while running
type ColumnPeriodSetter interface {
	SetColumnPeriod(ns int) error
}

// StatusReporter reports the most recent status text from the controller
type StatusReporter interface {
	Status() (Status, error)
}

// Status is a snapshot of the controller state
type Status struct {
	Responsive  bool     `json:"responsive"`
	SelfCycling bool     `json:"selfCycling"`
	Preloaded   int      `json:"preloaded"`
	Lines       []string `json:"lines"`
}

func checkColumn(col []uint16) error {
	if len(col) != Pixels {
		return ErrColumnLength
	}
	return nil
}
