// Package engine coordinates a wavefront shaping run.  It preloads the test
// patterns onto the modulator, starts the digitizer, reduces every buffer as
// it arrives and, at the end of each cycle, pushes the corrected column back
// to the modulator before the next pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pengusystems/rhodes/basis"
	"github.com/pengusystems/rhodes/calibration"
	"github.com/pengusystems/rhodes/digitizer"
	"github.com/pengusystems/rhodes/glv"
	"github.com/pengusystems/rhodes/pattern"
	"github.com/pengusystems/rhodes/reduce"
	"github.com/pengusystems/rhodes/syncx"
	"github.com/pengusystems/rhodes/telemetry"
)

// State is the coordinator state
type State int32

const (
	// Idle accepts any operation
	Idle State = iota

	// Configuring validates the request
	Configuring

	// Preloading loads calibration and pushes patterns to the modulator
	Preloading

	// Running has hardware active
	Running

	// Stopping is waiting for the hardware to wind down
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Preloading:
		return "preloading"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Activity is what the hardware is doing while the engine is Running
type Activity string

const (
	ActivityOptimize Activity = "optimize"
	ActivityDisplay  Activity = "display"
	ActivityColumns  Activity = "columns"
	ActivityCurve    Activity = "curve"
	ActivityService  Activity = "service"
)

// errStopped ends a capture from inside the buffer handler
var errStopped = errors.New("engine: stopped")

// Run selects the algorithm of an optimization run
type Run struct {
	Algorithm pattern.Algorithm

	// UsePrevious starts an iterative run from the current solution
	UsePrevious bool
}

// activity is one hardware operation, from launch until the hardware is idle again
type activity struct {
	id      string
	kind    Activity
	algo    pattern.Algorithm
	started time.Time

	running atomic.Bool
	done    syncx.Latch

	// halt is called once when the activity is stopped from outside,
	// cleanup once when it ends by itself
	halt    func()
	cleanup func()

	// optimization state, touched only by the capture goroutine
	reducer   *reduce.Reducer
	codes     []uint16
	lastCycle time.Time
	window    time.Duration
	windowN   int
	lastGaps  uint64

	cycles          atomic.Uint64
	buffers         atomic.Uint64
	gaps            atomic.Uint64
	transportErrors atomic.Uint64
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger, the default discards
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithPublisher sets the telemetry sink
func WithPublisher(p telemetry.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithMetrics sets the metric collectors
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCalibration installs a calibration table instead of loading CalibrationPath
func WithCalibration(t *calibration.Table) Option {
	return func(e *Engine) { e.table = t }
}

// Engine is the cycle coordinator.  It owns the digitizer and the modulator.
type Engine struct {
	dig     digitizer.Digitizer
	mod     glv.Modulator
	log     *zap.Logger
	pub     telemetry.Publisher
	metrics *Metrics

	mu         sync.Mutex
	state      State
	cfg        settings
	basis      basis.Matrix
	final      []float64
	table      *calibration.Table
	lastAlgo   pattern.Algorithm
	lastSet    pattern.Set
	slot       int // modulator index of the dynamic column, -1 if unknown
	slotLoaded bool
	act        *activity
	lastAct    *activity
	lastErr    error
	prepCancel context.CancelFunc
	prep       *syncx.Latch // released when the current preparation launches or aborts
	modReady   bool
	modParams  glv.Params
}

// New creates an engine over the two adapters and applies cfg
func New(dig digitizer.Digitizer, mod glv.Modulator, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{dig: dig, mod: mod, slot: -1}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.pub == nil {
		e.pub = telemetry.Nop{}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	if err := e.Configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Configure replaces the configuration, rebuilds the basis and resets the
// solution.  The engine must be idle.
func (e *Engine) Configure(cfg Config) error {
	s, err := cfg.resolve()
	if err != nil {
		return err
	}
	b, err := basis.New(s.basis, s.InputModes, s.PixelRatio)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return ErrBusy
	}
	if e.table != nil && e.cfg.CalibrationPath != "" && e.cfg.CalibrationPath != s.CalibrationPath {
		e.table = nil
	}
	e.cfg = s
	e.basis = b
	e.final = pattern.InitialFinalColumn(s.TotalPixels, s.fixed, s.FinalReferenceGrating)
	e.lastAlgo = s.algorithm
	e.lastSet = nil
	e.slot, e.slotLoaded = -1, false
	e.modReady = false
	e.log.Info("configured",
		zap.Int("modes", s.InputModes),
		zap.Int("pixelRatio", s.PixelRatio),
		zap.Stringer("basis", s.basis),
		zap.Stringer("fixed", s.fixed),
		zap.Stringer("steps", s.steps),
		zap.Int("modeStart", s.layout.ModeStart))
	return nil
}

// Config returns the current configuration
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Config
}

// modify applies fn to a copy of the configuration and reconfigures with it
func (e *Engine) modify(fn func(*Config)) error {
	cfg := e.Config()
	fn(&cfg)
	return e.Configure(cfg)
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.state = s
	e.metrics.state.Set(float64(s))
	e.pub.Publish(telemetry.Event{Kind: telemetry.KindState, State: s.String()})
}

// acquire moves an idle engine to Configuring and returns the context the
// preparation runs under.  Stop cancels it.
func (e *Engine) acquire(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return nil, ErrBusy
	}
	pctx, cancel := context.WithCancel(ctx)
	e.prepCancel = cancel
	e.prep = &syncx.Latch{}
	e.setState(Configuring)
	return pctx, nil
}

// endPrep cancels the preparation context and wakes a Stop waiting on it.
// e.mu must be held.
func (e *Engine) endPrep() {
	if e.prepCancel != nil {
		e.prepCancel()
		e.prepCancel = nil
	}
	if e.prep != nil {
		e.prep.Release(nil)
		e.prep = nil
	}
}

// abort returns a preparing engine to Idle, passing err through.  A cancelled
// preparation is reported as ErrInterrupted and is not recorded as a failure.
func (e *Engine) abort(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endPrep()
	e.setState(Idle)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.log.Info("operation interrupted", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	e.lastErr = err
	e.log.Warn("operation aborted", zap.Error(err))
	e.pub.Publish(telemetry.Event{Kind: telemetry.KindError, Err: err.Error()})
	return err
}

// launch moves a preparing engine to Running with a as the active operation
func (e *Engine) launch(a *activity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endPrep()
	a.started = time.Now()
	a.running.Store(true)
	e.act = a
	e.lastAct = a
	e.setState(Running)
}

// end retires an activity that finished by itself or was stopped
func (e *Engine) end(a *activity, err error) {
	if a.running.Swap(false) && a.cleanup != nil {
		a.cleanup()
	}
	e.mu.Lock()
	if e.act == a {
		e.act = nil
		if a.kind == ActivityOptimize {
			e.lastAlgo = a.algo
		}
		e.lastErr = err
		e.setState(Idle)
	}
	e.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
		e.log.Error("operation ended", zap.String("id", a.id), zap.String("activity", string(a.kind)), zap.Error(err))
		e.pub.Publish(telemetry.Event{Kind: telemetry.KindError, RunID: a.id, Err: err.Error()})
	} else {
		e.log.Info("operation ended", zap.String("id", a.id), zap.String("activity", string(a.kind)),
			zap.Uint64("cycles", a.cycles.Load()), zap.Duration("elapsed", time.Since(a.started)))
	}
	e.metrics.operations.WithLabelValues(string(a.kind), result).Inc()
	a.done.Release(err)
}

// Stop ends whatever the engine is doing and returns once it is idle.  It is
// a no-op when idle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	a, prep := e.act, e.prep
	if a == nil {
		if prep == nil {
			e.mu.Unlock()
			return nil
		}
		if e.prepCancel != nil {
			e.prepCancel()
		}
		e.mu.Unlock()
		<-prep.Done()
		// the preparation may have launched before it saw the cancellation
		return e.Stop()
	}
	e.setState(Stopping)
	e.mu.Unlock()

	if a.running.Swap(false) && a.halt != nil {
		a.halt()
	}
	<-a.done.Done()
	return nil
}

// Wait blocks until the current or most recent operation ends and returns its error
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	a := e.lastAct
	e.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.done.Wait(ctx)
}

// Run starts an optimization and waits for it to end.  Cancelling ctx stops it.
func (e *Engine) Run(ctx context.Context, run Run) error {
	if _, err := e.Start(ctx, run); err != nil {
		return err
	}
	err := e.Wait(ctx)
	if ctx.Err() != nil {
		e.Stop()
		return e.Wait(context.Background())
	}
	return err
}

// Start prepares and launches an optimization run, returning its ID.  The
// run continues in the background until stopped or until acquisition fails.
func (e *Engine) Start(ctx context.Context, run Run) (string, error) {
	pctx, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	cfg, b := e.cfg, e.basis
	final := append([]float64(nil), e.final...)
	e.setState(Preloading)
	e.mu.Unlock()

	table, err := e.calibration()
	if err != nil {
		return "", e.abort(err)
	}

	rcfg := reduce.Config{
		Algorithm:        run.Algorithm,
		Fixed:            cfg.fixed,
		Steps:            cfg.steps,
		Basis:            b,
		ModesPerBuffer:   cfg.ModesPerBuffer(run.Algorithm),
		SamplesPerRecord: cfg.SamplesPerRecord,
		Window:           reduce.Window{Start: cfg.WindowStart, Len: cfg.WindowLength},
		Workers:          cfg.Workers,
		DiscardFirst:     cfg.DiscardFirstBuffer,
	}
	var set pattern.Set
	switch run.Algorithm {
	case pattern.TM:
		set, err = pattern.TMSet(b, cfg.layout, cfg.fixed, cfg.steps)
	case pattern.Iterative:
		var plan pattern.IterativePlan
		plan, err = pattern.IterativeSet(b, cfg.layout, cfg.IterativeSteps, final, run.UsePrevious)
		rcfg.Basis, rcfg.LUT, set = plan.Adjusted, plan.LUT, plan.Set
	default:
		err = fmt.Errorf("unknown algorithm %v", run.Algorithm)
	}
	if err != nil {
		return "", e.abort(fmt.Errorf("%w: %v", ErrConfiguration, err))
	}
	red, err := reduce.New(rcfg)
	if err != nil {
		return "", e.abort(fmt.Errorf("%w: %v", ErrConfiguration, err))
	}

	a := &activity{
		id:      uuid.NewString(),
		kind:    ActivityOptimize,
		algo:    run.Algorithm,
		reducer: red,
		codes:   make([]uint16, cfg.TotalPixels),
	}
	log := e.log.With(zap.String("run", a.id))
	log.Info("preparing run",
		zap.Stringer("algorithm", run.Algorithm),
		zap.Bool("usePrevious", run.UsePrevious),
		zap.Int("columns", len(set)),
		zap.Int("buffersPerCycle", red.Config().BuffersPerCycle()),
		zap.Int("recordsPerBuffer", red.Config().RecordsPerBuffer()))

	params := digitizer.Params{
		SamplesPerRecord: cfg.SamplesPerRecord,
		RecordsPerBuffer: red.Config().RecordsPerBuffer(),
		BufferCount:      cfg.BufferCount,
		Mode:             digitizer.Continuous,
		InputRange:       cfg.InputRange,
		TriggerDelay:     cfg.TriggerDelay,
		Timeout:          cfg.AcquisitionTimeout,
		Handler:          e.optimizeHandler(a, log),
	}
	if err := e.dig.Configure(params); err != nil {
		return "", e.abort(fmt.Errorf("%w: digitizer: %w", ErrHardwareConfig, err))
	}
	if err := e.preload(pctx, cfg, table.MapFrame(set)); err != nil {
		return "", e.abort(err)
	}
	e.mu.Lock()
	e.lastSet = set
	e.slot, e.slotLoaded = len(set), false
	e.mu.Unlock()

	a.halt = func() {
		e.dig.Stop()
		if err := e.mod.StopSelfCycle(); err != nil {
			log.Warn("stop self cycle", zap.Error(err))
		}
	}
	a.cleanup = func() {
		if err := e.mod.StopSelfCycle(); err != nil {
			log.Warn("stop self cycle", zap.Error(err))
		}
	}

	if err := pctx.Err(); err != nil {
		return "", e.abort(err)
	}
	e.launch(a)
	a.lastCycle = time.Now()
	capture := make(chan error, 1)
	go func() {
		capture <- e.dig.Capture()
	}()
	go func() {
		err := <-capture
		e.end(a, e.classify(a, err))
	}()
	if err := e.mod.RunSelfCycle(); err != nil {
		err = fmt.Errorf("%w: self cycle: %w", ErrTransport, err)
		if a.running.Swap(false) {
			e.dig.Stop()
		}
		<-a.done.Done()
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return "", err
	}
	if !a.running.Load() {
		// the capture ended while self cycling was starting, and its cleanup
		// may have run before there was anything to stop
		if err := e.mod.StopSelfCycle(); err != nil {
			log.Warn("stop self cycle", zap.Error(err))
		}
		if err := a.done.Wait(context.Background()); err != nil {
			return "", err
		}
	}
	log.Info("run started")
	return a.id, nil
}

// classify converts a capture result into the engine taxonomy
func (e *Engine) classify(a *activity, err error) error {
	switch {
	case err == nil, errors.Is(err, errStopped):
		return nil
	case !a.running.Load():
		// stopped from outside, whatever the adapter said on the way down
		e.log.Debug("capture ended after stop", zap.Error(err))
		return nil
	case errors.Is(err, digitizer.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrAcquisitionTimeout, err)
	case errors.Is(err, ErrAcquisitionFault):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrAcquisitionFault, err)
	}
}

// optimizeHandler reduces each buffer on the capture goroutine
func (e *Engine) optimizeHandler(a *activity, log *zap.Logger) digitizer.Handler {
	return func(buf []uint16, seq uint64) error {
		if !a.running.Load() {
			return errStopped
		}
		cyc, err := a.reducer.Process(buf, seq)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAcquisitionFault, err)
		}
		a.buffers.Add(1)
		e.metrics.buffers.Inc()
		if g := a.reducer.Context().Gaps; g != a.lastGaps {
			log.Warn("buffer sequence gap", zap.Uint64("seq", seq), zap.Uint64("gaps", g))
			e.metrics.gaps.Add(float64(g - a.lastGaps))
			a.lastGaps = g
			a.gaps.Store(g)
		}
		if cyc != nil {
			e.completeCycle(a, cyc, log)
		}
		return nil
	}
}

// completeCycle folds a finished cycle into the solution and sends it to the modulator
func (e *Engine) completeCycle(a *activity, cyc *reduce.Cycle, log *zap.Logger) {
	e.mu.Lock()
	cyc.ApplyTo(e.final, e.cfg.layout)
	e.table.MapInto(a.codes, e.final)
	reportEvery := e.cfg.ReportEvery
	e.mu.Unlock()

	if err := e.mod.LoadAndResume(a.codes); err != nil {
		a.transportErrors.Add(1)
		e.metrics.transportErrors.Inc()
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		log.Warn("load and resume", zap.Uint64("cycle", cyc.Index), zap.Error(err))
		e.pub.Publish(telemetry.Event{Kind: telemetry.KindError, RunID: a.id, Cycle: cyc.Index, Err: err.Error()})
	} else {
		e.mu.Lock()
		e.slotLoaded = true
		e.mu.Unlock()
	}

	now := time.Now()
	dt := now.Sub(a.lastCycle)
	a.lastCycle = now
	n := a.cycles.Add(1)
	e.metrics.cycles.Inc()
	e.metrics.cycleSeconds.Observe(dt.Seconds())
	e.pub.Publish(telemetry.Event{
		Kind:         telemetry.KindCycle,
		RunID:        a.id,
		Algorithm:    a.algo.String(),
		Cycle:        n,
		CycleSeconds: dt.Seconds(),
		Gaps:         a.gaps.Load(),
	})

	a.window += dt
	a.windowN++
	if a.windowN >= reportEvery {
		avg := a.window / time.Duration(a.windowN)
		log.Info("average cycle time", zap.Uint64("cycles", n), zap.Duration("avg", avg),
			zap.Float64("hz", 1/avg.Seconds()))
		e.pub.Publish(telemetry.Event{
			Kind:         telemetry.KindReport,
			RunID:        a.id,
			Algorithm:    a.algo.String(),
			Cycle:        n,
			CycleSeconds: avg.Seconds(),
		})
		a.window, a.windowN = 0, 0
	}
}

// calibration returns the table, loading it on first use
func (e *Engine) calibration() (*calibration.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table != nil {
		return e.table, nil
	}
	t, err := calibration.Load(e.cfg.CalibrationPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCalibrationLoad, err)
	}
	e.table = t
	e.log.Info("calibration loaded",
		zap.String("path", e.cfg.CalibrationPath),
		zap.Int("entries", t.Len()),
		zap.String("crc", fmt.Sprintf("%04x", t.Fingerprint())))
	return t, nil
}

// configureModulator applies the modulator parameters when they changed
func (e *Engine) configureModulator(p glv.Params) error {
	e.mu.Lock()
	ready, cur := e.modReady, e.modParams
	e.mu.Unlock()
	if ready && cur == p {
		return nil
	}
	if err := e.mod.Configure(p); err != nil {
		return fmt.Errorf("%w: modulator: %w", ErrHardwareConfig, err)
	}
	e.mu.Lock()
	e.modReady, e.modParams = true, p
	e.mu.Unlock()
	return nil
}

// preload configures the modulator, pushes frame and waits for it to settle
func (e *Engine) preload(ctx context.Context, cfg settings, frame [][]uint16) error {
	if err := e.configureModulator(cfg.GLV); err != nil {
		return err
	}
	if err := e.mod.Preload(frame); err != nil {
		return fmt.Errorf("%w: preload: %w", ErrTransport, err)
	}
	e.mu.Lock()
	e.slot, e.slotLoaded = -1, false
	e.mu.Unlock()
	return sleepCtx(ctx, cfg.SettleDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ResetSolution restores the solution to its initial value.  The engine must be idle.
func (e *Engine) ResetSolution() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return ErrBusy
	}
	e.final = pattern.InitialFinalColumn(e.cfg.TotalPixels, e.cfg.fixed, e.cfg.FinalReferenceGrating)
	e.slotLoaded = false
	return nil
}

// FinalPhase returns a copy of the solution column
func (e *Engine) FinalPhase() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.final...)
}

// SetColumnPeriod changes the modulator column period.  It is allowed while running.
func (e *Engine) SetColumnPeriod(ns int) error {
	if ns <= 0 {
		return fmt.Errorf("%w: column period %d ns", ErrConfiguration, ns)
	}
	s, ok := e.mod.(glv.ColumnPeriodSetter)
	if !ok {
		return fmt.Errorf("%w: modulator cannot change its column period", ErrHardwareConfig)
	}
	if err := s.SetColumnPeriod(ns); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	e.mu.Lock()
	e.cfg.GLV.ColumnPeriodNs = ns
	if e.modReady {
		e.modParams.ColumnPeriodNs = ns
	}
	e.mu.Unlock()
	return nil
}

// Status is a snapshot of the engine
type Status struct {
	State     string `json:"state"`
	Activity  string `json:"activity,omitempty"`
	ID        string `json:"id,omitempty"`
	Algorithm string `json:"algorithm"`

	Cycles          uint64 `json:"cycles"`
	Buffers         uint64 `json:"buffers"`
	Gaps            uint64 `json:"gaps"`
	TransportErrors uint64 `json:"transportErrors"`

	Elapsed     float64 `json:"elapsedSeconds"`
	Calibration string  `json:"calibration,omitempty"`
	LastError   string  `json:"lastError,omitempty"`
}

// Status reports the state of the engine and of the current or last operation
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{State: e.state.String(), Algorithm: e.lastAlgo.String()}
	if e.table != nil {
		s.Calibration = fmt.Sprintf("%04x", e.table.Fingerprint())
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	if a := e.lastAct; a != nil {
		s.ID = a.id
		if e.act == a {
			s.Activity = string(a.kind)
			s.Elapsed = time.Since(a.started).Seconds()
		}
		if a.kind == ActivityOptimize {
			s.Algorithm = a.algo.String()
		}
		s.Cycles = a.cycles.Load()
		s.Buffers = a.buffers.Load()
		s.Gaps = a.gaps.Load()
		s.TransportErrors = a.transportErrors.Load()
	}
	return s
}
