package engine

import (
	"fmt"
	"time"

	"github.com/pengusystems/rhodes/basis"
	"github.com/pengusystems/rhodes/glv"
	"github.com/pengusystems/rhodes/pattern"
	"github.com/pengusystems/rhodes/util"
)

// Config is the optimization configuration.  It may only be changed while
// the engine is idle.
type Config struct {
	// InputModes is the number of basis modes, a power of two
	InputModes int `yaml:"inputModes" koanf:"inputModes"`

	// PixelRatio is the number of modulator pixels per mode pixel, 1 to 4
	PixelRatio int `yaml:"pixelRatio" koanf:"pixelRatio"`

	// Basis is hadamard or fourier
	Basis string `yaml:"basis" koanf:"basis"`

	// Algorithm is the default for runs that do not name one, tm or iterative
	Algorithm string `yaml:"algorithm" koanf:"algorithm"`

	// FixedSegment is reference-at-zero, reference-at-pi or mode
	FixedSegment string `yaml:"fixedSegment" koanf:"fixedSegment"`

	// TMPhaseSteps is pi-half or pi-quarter
	TMPhaseSteps string `yaml:"tmPhaseSteps" koanf:"tmPhaseSteps"`

	// IterativeSteps is the number of phase steps per mode of the iterative algorithm
	IterativeSteps int `yaml:"iterativeSteps" koanf:"iterativeSteps"`

	ModesPerBufferTM        int `yaml:"modesPerBufferTM" koanf:"modesPerBufferTM"`
	ModesPerBufferIterative int `yaml:"modesPerBufferIterative" koanf:"modesPerBufferIterative"`

	SamplesPerRecord int `yaml:"samplesPerRecord" koanf:"samplesPerRecord"`

	// WindowStart and WindowLength select the samples of a record averaged into its intensity
	WindowStart  int `yaml:"windowStart" koanf:"windowStart"`
	WindowLength int `yaml:"windowLength" koanf:"windowLength"`

	// TotalPixels is the modulator column length
	TotalPixels int `yaml:"totalPixels" koanf:"totalPixels"`

	// FinalReferenceGrating starts a mode-fixed solution from a π grating
	FinalReferenceGrating bool `yaml:"finalReferenceGrating" koanf:"finalReferenceGrating"`

	// DiscardFirstBuffer drops the first buffer of every run
	DiscardFirstBuffer bool `yaml:"discardFirstBuffer" koanf:"discardFirstBuffer"`

	// SettleDelay is the pause after a preload before the modulator is cycled
	SettleDelay time.Duration `yaml:"settleDelay" koanf:"settleDelay"`

	CalibrationPath string `yaml:"calibrationPath" koanf:"calibrationPath"`

	// Workers bounds the reduction fan out, 0 uses every CPU
	Workers int `yaml:"workers" koanf:"workers"`

	// BufferCount is the depth of the digitizer buffer pool
	BufferCount int `yaml:"bufferCount" koanf:"bufferCount"`

	// AcquisitionTimeout is the longest wait for one buffer
	AcquisitionTimeout time.Duration `yaml:"acquisitionTimeout" koanf:"acquisitionTimeout"`

	// InputRange is the digitizer full scale, ± volts
	InputRange float64 `yaml:"inputRange" koanf:"inputRange"`

	TriggerDelay time.Duration `yaml:"triggerDelay" koanf:"triggerDelay"`

	// ReportEvery is the number of cycles between cycle time reports
	ReportEvery int `yaml:"reportEvery" koanf:"reportEvery"`

	GLV glv.Params `yaml:"glv" koanf:"glv"`
}

// DefaultConfig is the instrument's usual configuration
func DefaultConfig() Config {
	return Config{
		InputModes:              256,
		PixelRatio:              1,
		Basis:                   basis.KindHadamard.String(),
		Algorithm:               pattern.TM.String(),
		FixedSegment:            pattern.ReferenceAtZero.String(),
		TMPhaseSteps:            pattern.PiHalf.String(),
		IterativeSteps:          16,
		ModesPerBufferTM:        64,
		ModesPerBufferIterative: 16,
		SamplesPerRecord:        256,
		WindowStart:             200,
		WindowLength:            50,
		TotalPixels:             glv.Pixels,
		SettleDelay:             3 * time.Second,
		CalibrationPath:         "phase_to_dac.txt",
		BufferCount:             16,
		AcquisitionTimeout:      10 * time.Second,
		InputRange:              2,
		ReportEvery:             50,
		GLV:                     glv.DefaultParams(),
	}
}

// settings is a Config with its names resolved
type settings struct {
	Config
	basis     basis.Kind
	algorithm pattern.Algorithm
	fixed     pattern.FixedSegment
	steps     pattern.PhaseSteps
	layout    pattern.Layout
}

// PixelsPerMode is InputModes * PixelRatio
func (c Config) PixelsPerMode() int {
	return c.InputModes * c.PixelRatio
}

// ModesPerBuffer is the number of modes in one buffer for an algorithm
func (c Config) ModesPerBuffer(a pattern.Algorithm) int {
	if a == pattern.Iterative {
		return c.ModesPerBufferIterative
	}
	return c.ModesPerBufferTM
}

// PatternsPerMode is the number of preloaded columns per mode for an algorithm
func (c Config) PatternsPerMode(a pattern.Algorithm) int {
	if a == pattern.Iterative {
		return c.IterativeSteps
	}
	return pattern.TMPatternsPerMode
}

// Validate checks the configuration; failures wrap ErrConfiguration
func (c Config) Validate() error {
	_, err := c.resolve()
	return err
}

func (c Config) resolve() (settings, error) {
	s := settings{Config: c}
	bad := func(format string, a ...interface{}) (settings, error) {
		return s, fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, a...))
	}
	var err error
	if s.basis, err = basis.ParseKind(c.Basis); err != nil {
		return bad("%v", err)
	}
	if s.algorithm, err = pattern.ParseAlgorithm(c.Algorithm); err != nil {
		return bad("%v", err)
	}
	if s.fixed, err = pattern.ParseFixedSegment(c.FixedSegment); err != nil {
		return bad("%v", err)
	}
	if s.steps, err = pattern.ParsePhaseSteps(c.TMPhaseSteps); err != nil {
		return bad("%v", err)
	}
	switch {
	case c.InputModes < 2 || !util.IsPowerOfTwo(c.InputModes):
		return bad("input modes %d is not a power of two", c.InputModes)
	case c.PixelRatio < 1 || c.PixelRatio > 4:
		return bad("pixel ratio %d outside 1 to 4", c.PixelRatio)
	case c.TotalPixels <= 0 || c.PixelsPerMode() > c.TotalPixels:
		return bad("%d pixels per mode do not fit in %d pixels", c.PixelsPerMode(), c.TotalPixels)
	case c.IterativeSteps < 2:
		return bad("iterative steps %d, need at least 2", c.IterativeSteps)
	case c.SamplesPerRecord <= 0:
		return bad("samples per record %d", c.SamplesPerRecord)
	case c.WindowStart < 0 || c.WindowLength <= 0 || c.WindowStart+c.WindowLength > c.SamplesPerRecord:
		return bad("window [%d, %d) outside %d sample records", c.WindowStart, c.WindowStart+c.WindowLength, c.SamplesPerRecord)
	case c.BufferCount <= 0:
		return bad("buffer count %d", c.BufferCount)
	case c.AcquisitionTimeout <= 0:
		return bad("acquisition timeout %s", c.AcquisitionTimeout)
	case c.SettleDelay < 0:
		return bad("negative settle delay")
	}
	for _, a := range []pattern.Algorithm{pattern.TM, pattern.Iterative} {
		mpb := c.ModesPerBuffer(a)
		if mpb <= 0 || c.InputModes < mpb {
			return bad("%s: %d modes per buffer with %d input modes", a, mpb, c.InputModes)
		}
		if (c.InputModes*c.PatternsPerMode(a))%mpb != 0 || c.InputModes%mpb != 0 {
			return bad("%s: %d modes do not split into buffers of %d modes", a, c.InputModes, mpb)
		}
	}
	if s.ReportEvery <= 0 {
		s.ReportEvery = 50
	}
	s.layout = pattern.CenteredLayout(c.TotalPixels, c.PixelsPerMode())
	return s, nil
}
