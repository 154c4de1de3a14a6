package glv

import (
	"sync"
	"time"

	"github.com/pengusystems/rhodes/syncx"
)

// CycleCall is one recorded Cycle request
type CycleCall struct {
	Start, End int
	Repeat     bool
}

// Mock is a modulator that records what it is asked to do.  While self
// cycling it emulates the controller loop: it plays the table for PassTime,
// calls OnPass, then holds until the next LoadAndResume.
type Mock struct {
	// PassTime is how long one pass over the table takes
	PassTime time.Duration

	// OnPass is called from the emulation goroutine after each pass
	OnPass func(pass int)

	// LoadErr, when set, is returned by LoadAndResume without storing the column
	LoadErr error

	sync.Mutex
	params       Params
	configured   int
	frame        [][]uint16
	cycles       []CycleCall
	loads        int
	last         []uint16
	selfCycling  bool
	stops        int
	columnPeriod int

	resume syncx.Signal
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Configure implements Modulator
func (m *Mock) Configure(p Params) error {
	m.Lock()
	defer m.Unlock()
	m.params = p
	m.columnPeriod = p.ColumnPeriodNs
	m.configured++
	return nil
}

// Preload implements Modulator
func (m *Mock) Preload(frame [][]uint16) error {
	for _, col := range frame {
		if err := checkColumn(col); err != nil {
			return err
		}
	}
	m.Lock()
	defer m.Unlock()
	m.frame = make([][]uint16, len(frame))
	for i, col := range frame {
		m.frame[i] = append([]uint16(nil), col...)
	}
	return nil
}

// Cycle implements Modulator
func (m *Mock) Cycle(start, end int, repeat bool) error {
	m.Lock()
	defer m.Unlock()
	m.cycles = append(m.cycles, CycleCall{start, end, repeat})
	return nil
}

// RunSelfCycle implements Modulator
func (m *Mock) RunSelfCycle() error {
	m.Lock()
	defer m.Unlock()
	if len(m.frame) == 0 {
		return ErrNotPreloaded
	}
	if m.selfCycling {
		return nil
	}
	m.selfCycling = true
	m.quit = make(chan struct{})
	m.resume.Drain()
	m.wg.Add(1)
	go m.loop(m.quit)
	return nil
}

func (m *Mock) loop(quit chan struct{}) {
	defer m.wg.Done()
	for pass := 0; ; pass++ {
		if m.PassTime > 0 {
			t := time.NewTimer(m.PassTime)
			select {
			case <-quit:
				t.Stop()
				return
			case <-t.C:
			}
		} else {
			select {
			case <-quit:
				return
			default:
			}
		}
		if m.OnPass != nil {
			m.OnPass(pass)
		}
		select {
		case <-quit:
			return
		case <-m.resume.C():
		}
	}
}

// StopSelfCycle implements Modulator
func (m *Mock) StopSelfCycle() error {
	m.Lock()
	if !m.selfCycling {
		m.Unlock()
		return nil
	}
	m.selfCycling = false
	close(m.quit)
	m.Unlock()
	m.wg.Wait()
	return nil
}

// LoadAndResume implements Modulator
func (m *Mock) LoadAndResume(col []uint16) error {
	if err := checkColumn(col); err != nil {
		return err
	}
	m.Lock()
	if m.LoadErr != nil {
		err := m.LoadErr
		m.Unlock()
		return err
	}
	m.last = append(m.last[:0], col...)
	m.loads++
	m.Unlock()
	m.resume.Notify()
	return nil
}

// Stop implements Modulator
func (m *Mock) Stop() error {
	m.Lock()
	defer m.Unlock()
	m.stops++
	return nil
}

// SetColumnPeriod implements ColumnPeriodSetter
func (m *Mock) SetColumnPeriod(ns int) error {
	m.Lock()
	defer m.Unlock()
	m.columnPeriod = ns
	return nil
}

// Status implements StatusReporter
func (m *Mock) Status() (Status, error) {
	m.Lock()
	defer m.Unlock()
	return Status{
		Responsive:  true,
		SelfCycling: m.selfCycling,
		Preloaded:   len(m.frame),
	}, nil
}

// SetLoadErr changes the injected LoadAndResume error
func (m *Mock) SetLoadErr(err error) {
	m.Lock()
	defer m.Unlock()
	m.LoadErr = err
}

// Frame returns the preloaded table
func (m *Mock) Frame() [][]uint16 {
	m.Lock()
	defer m.Unlock()
	return m.frame
}

// Cycles returns the recorded Cycle calls
func (m *Mock) Cycles() []CycleCall {
	m.Lock()
	defer m.Unlock()
	return append([]CycleCall(nil), m.cycles...)
}

// Loads is the number of accepted LoadAndResume calls
func (m *Mock) Loads() int {
	m.Lock()
	defer m.Unlock()
	return m.loads
}

// Last is a copy of the most recent dynamic column
func (m *Mock) Last() []uint16 {
	m.Lock()
	defer m.Unlock()
	return append([]uint16(nil), m.last...)
}

// SelfCycling reports whether the emulated loop is running
func (m *Mock) SelfCycling() bool {
	m.Lock()
	defer m.Unlock()
	return m.selfCycling
}

// Stops is the number of Stop calls
func (m *Mock) Stops() int {
	m.Lock()
	defer m.Unlock()
	return m.stops
}

// Params returns the last configured parameters and how many times Configure ran
func (m *Mock) Params() (Params, int) {
	m.Lock()
	defer m.Unlock()
	return m.params, m.configured
}

// ColumnPeriod is the current column period
func (m *Mock) ColumnPeriod() int {
	m.Lock()
	defer m.Unlock()
	return m.columnPeriod
}
