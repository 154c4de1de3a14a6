package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pengusystems/rhodes/calibration"
	"github.com/pengusystems/rhodes/digitizer"
	"github.com/pengusystems/rhodes/glv"
	"github.com/pengusystems/rhodes/imgrec"
	"github.com/pengusystems/rhodes/pattern"
)

// RampSteps is the number of columns of the displayed global phase ramp
const RampSteps = 100

// CurveKind selects the patterns played during response curve extraction
type CurveKind int

const (
	// CurveConstant drives every pixel at the same code
	CurveConstant CurveKind = iota

	// CurveVoltageGrating alternates code 0 and the test code
	CurveVoltageGrating
)

func (k CurveKind) String() string {
	switch k {
	case CurveConstant:
		return "constant"
	case CurveVoltageGrating:
		return "voltage-grating"
	default:
		return fmt.Sprintf("CurveKind(%d)", int(k))
	}
}

// ParseCurveKind converts a name to a CurveKind
func ParseCurveKind(s string) (CurveKind, error) {
	switch strings.ToLower(s) {
	case "constant", "":
		return CurveConstant, nil
	case "voltage-grating", "grating":
		return CurveVoltageGrating, nil
	}
	return 0, fmt.Errorf("%w: unknown curve kind %q", ErrConfiguration, s)
}

// ColumnSet names a set that CycleColumns can play
type ColumnSet int

const (
	// ColumnsTM is the transmission matrix measurement set
	ColumnsTM ColumnSet = iota

	// ColumnsIterativePrevious is the iterative set built on the current solution
	ColumnsIterativePrevious

	// ColumnsIterativeBlank is the iterative set built on the initial solution
	ColumnsIterativeBlank

	// ColumnsVoltageGratings is the raw code grating sweep
	ColumnsVoltageGratings

	// ColumnsPhaseGratings is the grating sweep mapped through calibration
	ColumnsPhaseGratings
)

var columnSetNames = map[ColumnSet]string{
	ColumnsTM:                "tm",
	ColumnsIterativePrevious: "iterative-previous",
	ColumnsIterativeBlank:    "iterative-blank",
	ColumnsVoltageGratings:   "voltage-gratings",
	ColumnsPhaseGratings:     "phase-gratings",
}

func (c ColumnSet) String() string {
	if s, ok := columnSetNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ColumnSet(%d)", int(c))
}

// ParseColumnSet converts a name to a ColumnSet
func ParseColumnSet(s string) (ColumnSet, error) {
	s = strings.ToLower(s)
	for k, v := range columnSetNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown column set %q", ErrConfiguration, s)
}

// CycleMode is how CycleColumns steps through the range
type CycleMode int

const (
	// Burst plays the whole range once per pass
	Burst CycleMode = iota

	// OneByOne plays one column per pass
	OneByOne

	// Continuous loops the range on the modulator until stopped
	Continuous
)

func (m CycleMode) String() string {
	switch m {
	case Burst:
		return "burst"
	case OneByOne:
		return "one-by-one"
	case Continuous:
		return "continuous"
	default:
		return fmt.Sprintf("CycleMode(%d)", int(m))
	}
}

// ParseCycleMode converts a name to a CycleMode
func ParseCycleMode(s string) (CycleMode, error) {
	switch strings.ToLower(s) {
	case "burst", "":
		return Burst, nil
	case "one-by-one", "onebyone":
		return OneByOne, nil
	case "continuous", "loop":
		return Continuous, nil
	}
	return 0, fmt.Errorf("%w: unknown cycle mode %q", ErrConfiguration, s)
}

// hold launches an activity that keeps the modulator looping until Stop
func (e *Engine) hold(kind Activity) *activity {
	quit := make(chan struct{})
	a := &activity{id: uuid.NewString(), kind: kind}
	a.halt = func() {
		if err := e.mod.Stop(); err != nil {
			e.log.Warn("modulator stop", zap.Error(err))
		}
		close(quit)
	}
	e.launch(a)
	go func() {
		<-quit
		e.end(a, nil)
	}()
	return a
}

// oneShot records an operation that completed during preparation
func (e *Engine) oneShot(kind Activity) string {
	a := &activity{id: uuid.NewString(), kind: kind}
	e.launch(a)
	e.end(a, nil)
	return a.id
}

// DisplaySolution puts the current solution on the modulator, stopping any
// run first.  With ramp the solution is looped with a sweeping global phase
// until Stop; otherwise the modulator is left showing the solution and the
// engine returns to Idle.
func (e *Engine) DisplaySolution(ctx context.Context, ramp bool) (string, error) {
	if err := e.Stop(); err != nil {
		return "", err
	}
	pctx, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	cfg := e.cfg
	final := append([]float64(nil), e.final...)
	algo := e.lastAlgo
	slot, loaded := e.slot, e.slotLoaded
	e.setState(Preloading)
	e.mu.Unlock()

	table, err := e.calibration()
	if err != nil {
		return "", e.abort(err)
	}
	cfg.GLV.TriggerAuto = true

	if ramp {
		set := pattern.Ramp(final, RampSteps)
		if err := e.preload(pctx, cfg, table.MapFrame(set)); err != nil {
			return "", e.abort(err)
		}
		e.mu.Lock()
		e.lastSet = set
		e.mu.Unlock()
		if err := e.mod.Cycle(0, len(set)-1, true); err != nil {
			return "", e.abort(fmt.Errorf("%w: %w", ErrTransport, err))
		}
		a := e.hold(ActivityDisplay)
		e.log.Info("displaying solution ramp", zap.String("id", a.id), zap.Int("steps", RampSteps))
		return a.id, nil
	}

	if slot < 0 || !loaded {
		// the solution goes right after the columns of the last algorithm,
		// where a run writes its dynamic column
		n := cfg.InputModes * cfg.PatternsPerMode(algo)
		set := append(pattern.Filler(cfg.TotalPixels, n), final)
		if err := e.preload(pctx, cfg, table.MapFrame(set)); err != nil {
			return "", e.abort(err)
		}
		slot = n
		e.mu.Lock()
		e.lastSet = set
		e.slot, e.slotLoaded = slot, true
		e.mu.Unlock()
	} else if err := e.configureModulator(cfg.GLV); err != nil {
		return "", e.abort(err)
	}
	if err := e.mod.Cycle(slot, slot, false); err != nil {
		return "", e.abort(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	id := e.oneShot(ActivityDisplay)
	e.log.Info("displaying solution", zap.String("id", id), zap.Int("slot", slot))
	return id, nil
}

// ExtractCurve plays every device level once while the digitizer records one
// record per level, and writes the averaged response to w
func (e *Engine) ExtractCurve(ctx context.Context, kind CurveKind, w io.Writer) error {
	pctx, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cfg := e.cfg
	e.setState(Preloading)
	e.mu.Unlock()

	var frame [][]uint16
	switch kind {
	case CurveConstant:
		frame = pattern.ConstantLevels(cfg.TotalPixels)
	case CurveVoltageGrating:
		frame = pattern.VoltageGratings(cfg.TotalPixels, cfg.PixelRatio)
	default:
		return e.abort(fmt.Errorf("%w: curve kind %v", ErrConfiguration, kind))
	}

	a := &activity{id: uuid.NewString(), kind: ActivityCurve}
	var curve []float64
	params := digitizer.Params{
		SamplesPerRecord:      cfg.SamplesPerRecord,
		RecordsPerBuffer:      len(frame),
		BufferCount:           1,
		BuffersPerAcquisition: 1,
		Mode:                  digitizer.Single,
		InputRange:            cfg.InputRange,
		TriggerDelay:          cfg.TriggerDelay,
		Timeout:               cfg.AcquisitionTimeout,
		Handler: func(buf []uint16, seq uint64) error {
			if !a.running.Load() {
				return errStopped
			}
			c, err := calibration.CurveFromBuffer(buf, cfg.SamplesPerRecord)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrAcquisitionFault, err)
			}
			a.buffers.Add(1)
			curve = c
			return nil
		},
	}
	if err := e.dig.Configure(params); err != nil {
		return e.abort(fmt.Errorf("%w: digitizer: %w", ErrHardwareConfig, err))
	}
	if err := e.preload(pctx, cfg, frame); err != nil {
		return e.abort(err)
	}
	e.mu.Lock()
	e.lastSet = nil
	e.mu.Unlock()

	a.halt = func() {
		e.dig.Stop()
		if err := e.mod.Stop(); err != nil {
			e.log.Warn("modulator stop", zap.Error(err))
		}
	}
	e.launch(a)
	capture := make(chan error, 1)
	go func() {
		capture <- e.dig.Capture()
	}()
	go func() {
		err := <-capture
		e.end(a, e.classify(a, err))
	}()
	if err := e.mod.Cycle(0, len(frame)-1, false); err != nil {
		if a.running.Swap(false) {
			e.dig.Stop()
		}
		<-a.done.Done()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	select {
	case <-a.done.Done():
	case <-ctx.Done():
		e.Stop()
		return ctx.Err()
	}
	if err := a.done.Wait(context.Background()); err != nil {
		return err
	}
	if curve == nil {
		return fmt.Errorf("%w: stopped before the curve was captured", ErrAcquisitionFault)
	}
	e.log.Info("response curve extracted", zap.Stringer("kind", kind), zap.Int("levels", len(curve)))
	return calibration.WriteCurve(w, curve)
}

// columnFrame builds the device codes of a named set
func (e *Engine) columnFrame(set ColumnSet, cfg settings, final []float64) ([][]uint16, pattern.Set, error) {
	if set == ColumnsVoltageGratings {
		return pattern.VoltageGratings(cfg.TotalPixels, cfg.PixelRatio), nil, nil
	}
	e.mu.Lock()
	b := e.basis
	e.mu.Unlock()

	var (
		s   pattern.Set
		err error
	)
	switch set {
	case ColumnsTM:
		s, err = pattern.TMSet(b, cfg.layout, cfg.fixed, cfg.steps)
	case ColumnsIterativePrevious, ColumnsIterativeBlank:
		start := final
		if set == ColumnsIterativeBlank {
			start = pattern.InitialFinalColumn(cfg.TotalPixels, cfg.fixed, cfg.FinalReferenceGrating)
		}
		var plan pattern.IterativePlan
		plan, err = pattern.IterativeSet(b, cfg.layout, cfg.IterativeSteps, start, set == ColumnsIterativePrevious)
		s = plan.Set
	case ColumnsPhaseGratings:
		s = pattern.PhaseGratings(cfg.TotalPixels, cfg.PixelRatio)
	default:
		err = fmt.Errorf("unknown column set %v", set)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	table, err := e.calibration()
	if err != nil {
		return nil, nil, err
	}
	return table.MapFrame(s), s, nil
}

// CycleColumns preloads a named set and plays columns first through last.
// A negative last means the end of the set.  Continuous runs until Stop;
// Burst and OneByOne end after one pass unless repeat is set.
func (e *Engine) CycleColumns(ctx context.Context, set ColumnSet, mode CycleMode, first, last int, repeat bool) (string, error) {
	pctx, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	cfg := e.cfg
	final := append([]float64(nil), e.final...)
	e.setState(Preloading)
	e.mu.Unlock()

	frame, s, err := e.columnFrame(set, cfg, final)
	if err != nil {
		return "", e.abort(err)
	}
	if last < 0 {
		last = len(frame) - 1
	}
	if first < 0 || first > last || last >= len(frame) {
		return "", e.abort(fmt.Errorf("%w: columns %d to %d outside a set of %d", ErrConfiguration, first, last, len(frame)))
	}
	if mode < Burst || mode > Continuous {
		return "", e.abort(fmt.Errorf("%w: cycle mode %v", ErrConfiguration, mode))
	}
	if err := e.preload(pctx, cfg, frame); err != nil {
		return "", e.abort(err)
	}
	e.mu.Lock()
	e.lastSet = s
	e.mu.Unlock()

	log := e.log.With(zap.Stringer("set", set), zap.Stringer("mode", mode),
		zap.Int("first", first), zap.Int("last", last), zap.Bool("repeat", repeat))

	if mode == Continuous {
		if err := e.mod.Cycle(first, last, true); err != nil {
			return "", e.abort(fmt.Errorf("%w: %w", ErrTransport, err))
		}
		a := e.hold(ActivityColumns)
		log.Info("cycling columns", zap.String("id", a.id))
		return a.id, nil
	}

	quit := make(chan struct{})
	a := &activity{id: uuid.NewString(), kind: ActivityColumns}
	a.halt = func() {
		close(quit)
		if err := e.mod.Stop(); err != nil {
			log.Warn("modulator stop", zap.Error(err))
		}
	}
	wait := cfg.GLV.LoopCycleWait
	if wait <= 0 {
		wait = time.Millisecond
	}
	e.launch(a)
	go func() {
		e.end(a, e.playColumns(a, quit, mode, first, last, repeat, wait))
	}()
	log.Info("cycling columns", zap.String("id", a.id))
	return a.id, nil
}

// playColumns steps the modulator through a range on a ticker
func (e *Engine) playColumns(a *activity, quit <-chan struct{}, mode CycleMode, first, last int, repeat bool, wait time.Duration) error {
	tick := time.NewTicker(wait)
	defer tick.Stop()
	step := func(start, end int) error {
		if !a.running.Load() {
			return errStopped
		}
		if err := e.mod.Cycle(start, end, false); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		a.cycles.Add(1)
		select {
		case <-quit:
			return errStopped
		case <-tick.C:
			return nil
		}
	}
	for {
		var err error
		if mode == Burst {
			err = step(first, last)
		} else {
			for i := first; i <= last && err == nil; i++ {
				err = step(i, i)
			}
		}
		if err == errStopped {
			return nil
		}
		if err != nil || !repeat {
			return err
		}
	}
}

// DumpPreload writes the last preloaded phase set to the recorder's next
// file, FITS unless the recorder's extension is .txt, and returns its path
func (e *Engine) DumpPreload(rec *imgrec.Recorder) (string, error) {
	e.mu.Lock()
	set := e.lastSet
	e.mu.Unlock()
	if len(set) == 0 {
		return "", fmt.Errorf("%w: no phase set has been preloaded", ErrNoSolution)
	}
	return dump(rec, set, fitsio.Card{Name: "CONTENT", Value: "preload", Comment: "last preloaded phase set"})
}

// DumpSolution writes the solution column to the recorder's next file
func (e *Engine) DumpSolution(rec *imgrec.Recorder) (string, error) {
	final := e.FinalPhase()
	if len(final) == 0 {
		return "", ErrNoSolution
	}
	return dump(rec, pattern.Set{final}, fitsio.Card{Name: "CONTENT", Value: "solution", Comment: "final phase column"})
}

func dump(rec *imgrec.Recorder, set pattern.Set, cards ...fitsio.Card) (string, error) {
	rec.Incr()
	path := rec.Path()
	var err error
	if strings.EqualFold(rec.Ext, ".txt") {
		err = pattern.WriteText(rec, set)
	} else {
		cards = append(cards, fitsio.Card{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339)})
		err = pattern.WriteFITS(rec, set, cards...)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// Commander is a modulator that accepts raw controller commands
type Commander interface {
	Raw(cmd string) error
}

// Tester is a modulator with built in display tests
type Tester interface {
	RunTest(t glv.Test) error
}

// ModulatorStatus reports the modulator state when the modulator supports it
func (e *Engine) ModulatorStatus() (glv.Status, error) {
	s, ok := e.mod.(glv.StatusReporter)
	if !ok {
		return glv.Status{}, fmt.Errorf("%w: modulator does not report status", ErrHardwareConfig)
	}
	return s.Status()
}

// service runs fn against the modulator with the engine held idle.  The
// modulator table is unknown afterwards.
func (e *Engine) service(ctx context.Context, fn func() error) error {
	if _, err := e.acquire(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return e.abort(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	e.mu.Lock()
	e.slot, e.slotLoaded = -1, false
	e.lastSet = nil
	e.mu.Unlock()
	e.oneShot(ActivityService)
	return nil
}

// ModulatorCommand sends a raw command to the modulator controller
func (e *Engine) ModulatorCommand(ctx context.Context, cmd string) error {
	c, ok := e.mod.(Commander)
	if !ok {
		return fmt.Errorf("%w: modulator does not accept raw commands", ErrHardwareConfig)
	}
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("%w: empty command", ErrConfiguration)
	}
	return e.service(ctx, func() error {
		e.log.Info("raw modulator command", zap.String("cmd", cmd))
		return c.Raw(cmd)
	})
}

// ModulatorTest runs a built in display test by name
func (e *Engine) ModulatorTest(ctx context.Context, name string) error {
	t, ok := e.mod.(Tester)
	if !ok {
		return fmt.Errorf("%w: modulator has no built in tests", ErrHardwareConfig)
	}
	test, err := glv.ParseTest(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return e.service(ctx, func() error {
		e.log.Info("modulator test", zap.String("test", name))
		return t.RunTest(test)
	})
}
