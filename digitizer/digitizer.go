// Package digitizer defines the acquisition adapter the cycle loop consumes
// buffers from, and two implementations: a synthetic digitizer for tests and
// benchmarks, and a stream client for a remote acquisition host.
package digitizer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is generated when no buffer arrives within Params.Timeout.
	// It usually means the trigger is missing.
	ErrTimeout = errors.New("digitizer: timed out waiting for a buffer")

	// ErrNotConfigured is generated when Capture is called before Configure
	ErrNotConfigured = errors.New("digitizer: not configured")

	// ErrCorrupt is generated when a buffer fails its integrity check
	ErrCorrupt = errors.New("digitizer: corrupt buffer")
)

// Mode is the acquisition mode
type Mode int

const (
	// Continuous captures until stopped
	Continuous Mode = iota

	// Single captures BuffersPerAcquisition buffers and returns
	Single
)

// SampleRate is the digitizer sample clock, samples per second
const SampleRate = 500e6

// triggerDelayAlign is the sample alignment required of the trigger delay
const triggerDelayAlign = 8

// Handler receives one filled buffer.  buf is only valid for the duration of
// the call.  A non-nil error ends the capture and is returned from Capture.
type Handler func(buf []uint16, seq uint64) error

// Params configure an acquisition
type Params struct {
	SamplesPerRecord      int
	RecordsPerBuffer      int
	BufferCount           int
	BuffersPerAcquisition int
	Mode                  Mode

	// InputRange is the full scale input range, ± volts
	InputRange float64

	TriggerDelay time.Duration
	Timeout      time.Duration

	Handler Handler
}

// DefaultParams are the digitizer defaults of the instrument
func DefaultParams() Params {
	return Params{
		SamplesPerRecord:      256,
		RecordsPerBuffer:      48,
		BufferCount:           16,
		BuffersPerAcquisition: 1,
		Mode:                  Continuous,
		InputRange:            2,
		Timeout:               10 * time.Second,
	}
}

// SamplesPerBuffer is SamplesPerRecord * RecordsPerBuffer
func (p Params) SamplesPerBuffer() int {
	return p.SamplesPerRecord * p.RecordsPerBuffer
}

// TriggerDelaySamples converts the trigger delay to samples, rounded down to
// the alignment the hardware requires
func (p Params) TriggerDelaySamples() int {
	n := int(p.TriggerDelay.Seconds() * SampleRate)
	return n - n%triggerDelayAlign
}

// Validate checks the parameters
func (p Params) Validate() error {
	switch {
	case p.SamplesPerRecord <= 0 || p.RecordsPerBuffer <= 0:
		return fmt.Errorf("digitizer: invalid buffer shape %d samples x %d records", p.SamplesPerRecord, p.RecordsPerBuffer)
	case p.BufferCount <= 0:
		return fmt.Errorf("digitizer: buffer count must be positive, got %d", p.BufferCount)
	case p.Mode == Single && p.BuffersPerAcquisition <= 0:
		return fmt.Errorf("digitizer: single acquisition needs a positive buffer count, got %d", p.BuffersPerAcquisition)
	case p.Timeout <= 0:
		return errors.New("digitizer: timeout must be positive")
	case p.TriggerDelay < 0:
		return errors.New("digitizer: trigger delay must not be negative")
	case p.Handler == nil:
		return errors.New("digitizer: no buffer handler")
	}
	return nil
}

// Digitizer is an acquisition adapter
type Digitizer interface {
	// Configure validates and applies params.  It also re-arms a stopped digitizer.
	Configure(Params) error

	// Capture blocks, invoking the handler once per completed buffer in
	// completion order.  It returns nil when stopped or when a single
	// acquisition completes, ErrTimeout when a buffer does not arrive in time.
	Capture() error

	// Stop requests Capture to return.  It is safe to call from any goroutine.
	Stop()
}
