package digitizer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Synthetic is a digitizer that fabricates buffers.  The zero value free
// runs, producing zeroed buffers as fast as the handler consumes them.
type Synthetic struct {
	// Fill writes the samples of buffer seq
	Fill func(buf []uint16, seq uint64)

	// Trigger gates each buffer when non-nil; a buffer is produced per
	// receive, and Params.Timeout without one ends the capture with ErrTimeout
	Trigger <-chan struct{}

	// Period paces free running buffers
	Period time.Duration

	mu         sync.Mutex
	params     Params
	configured bool
	quit       chan struct{}
	stopped    atomic.Bool
	captured   atomic.Uint64
}

// Configure implements Digitizer
func (s *Synthetic) Configure(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	s.configured = true
	s.quit = make(chan struct{})
	s.stopped.Store(false)
	return nil
}

// Params returns the last applied parameters
func (s *Synthetic) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Captured is the number of buffers delivered since construction
func (s *Synthetic) Captured() uint64 {
	return s.captured.Load()
}

// Stop implements Digitizer
func (s *Synthetic) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Swap(true) {
		return
	}
	if s.quit != nil {
		close(s.quit)
	}
}

// Capture implements Digitizer
func (s *Synthetic) Capture() error {
	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	p, quit := s.params, s.quit
	s.mu.Unlock()

	pool := make([][]uint16, p.BufferCount)
	for i := range pool {
		pool[i] = make([]uint16, p.SamplesPerBuffer())
	}
	var ticker *time.Ticker
	if s.Period > 0 {
		ticker = time.NewTicker(s.Period)
		defer ticker.Stop()
	}
	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	var seq uint64
	for {
		if s.stopped.Load() {
			return nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.Timeout)
		if s.Trigger != nil {
			select {
			case <-s.Trigger:
			case <-quit:
				return nil
			case <-timer.C:
				return ErrTimeout
			}
		} else if ticker != nil {
			select {
			case <-ticker.C:
			case <-quit:
				return nil
			}
		}

		seq++
		buf := pool[int(seq)%len(pool)]
		if s.Fill != nil {
			s.Fill(buf, seq)
		}
		s.captured.Add(1)
		if err := p.Handler(buf, seq); err != nil {
			return err
		}
		if p.Mode == Single && seq >= uint64(p.BuffersPerAcquisition) {
			return nil
		}
	}
}
