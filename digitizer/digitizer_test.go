package digitizer

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(h Handler) Params {
	p := DefaultParams()
	p.SamplesPerRecord = 4
	p.RecordsPerBuffer = 3
	p.BufferCount = 2
	p.Timeout = 50 * time.Millisecond
	p.Handler = h
	return p
}

func TestParamsValidate(t *testing.T) {
	p := params(func([]uint16, uint64) error { return nil })
	require.NoError(t, p.Validate())
	assert.Equal(t, 12, p.SamplesPerBuffer())

	bad := p
	bad.Handler = nil
	assert.Error(t, bad.Validate())
	bad = p
	bad.SamplesPerRecord = 0
	assert.Error(t, bad.Validate())
	bad = p
	bad.Mode, bad.BuffersPerAcquisition = Single, 0
	assert.Error(t, bad.Validate())
	bad = p
	bad.Timeout = 0
	assert.Error(t, bad.Validate())
}

func TestTriggerDelayAlignment(t *testing.T) {
	p := DefaultParams()
	p.TriggerDelay = 30 * time.Nanosecond // 15 samples at 500 MS/s
	assert.Equal(t, 8, p.TriggerDelaySamples())
	p.TriggerDelay = 0
	assert.Equal(t, 0, p.TriggerDelaySamples())
}

func TestSyntheticSingle(t *testing.T) {
	var seqs []uint64
	s := &Synthetic{Fill: func(buf []uint16, seq uint64) {
		for i := range buf {
			buf[i] = uint16(seq)
		}
	}}
	p := params(func(buf []uint16, seq uint64) error {
		assert.Len(t, buf, 12)
		assert.Equal(t, uint16(seq), buf[0])
		seqs = append(seqs, seq)
		return nil
	})
	p.Mode, p.BuffersPerAcquisition = Single, 3
	require.NoError(t, s.Configure(p))
	require.NoError(t, s.Capture())
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	assert.Equal(t, uint64(3), s.Captured())
}

func TestSyntheticNotConfigured(t *testing.T) {
	var s Synthetic
	assert.ErrorIs(t, s.Capture(), ErrNotConfigured)
}

func TestSyntheticTriggerTimeout(t *testing.T) {
	trig := make(chan struct{}, 2)
	trig <- struct{}{}
	trig <- struct{}{}
	n := 0
	s := &Synthetic{Trigger: trig}
	require.NoError(t, s.Configure(params(func([]uint16, uint64) error { n++; return nil })))
	assert.ErrorIs(t, s.Capture(), ErrTimeout)
	assert.Equal(t, 2, n)
}

func TestSyntheticStop(t *testing.T) {
	s := &Synthetic{Period: time.Millisecond}
	var once sync.Once
	started := make(chan struct{})
	require.NoError(t, s.Configure(params(func([]uint16, uint64) error {
		once.Do(func() { close(started) })
		return nil
	})))
	done := make(chan error)
	go func() { done <- s.Capture() }()
	<-started
	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("capture did not stop")
	}
}

func TestSyntheticHandlerError(t *testing.T) {
	boom := errors.New("boom")
	s := &Synthetic{}
	require.NoError(t, s.Configure(params(func([]uint16, uint64) error { return boom })))
	assert.ErrorIs(t, s.Capture(), boom)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	samples := []uint16{0, 1, 65535, 512}
	require.NoError(t, WriteFrame(&buf, 42, samples))
	raw := make([]byte, 8)
	out := make([]uint16, 4)
	seq, err := readFrame(&buf, raw, out)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, samples, out)
}

func TestFrameCorrupt(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1, []uint16{1, 2}))
	b := buf.Bytes()
	b[17] ^= 0xff
	_, err := readFrame(bytes.NewReader(b), make([]byte, 4), make([]uint16, 2))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = readFrame(bytes.NewReader(b), make([]byte, 6), make([]uint16, 3))
	assert.ErrorIs(t, err, ErrCorrupt)
}

// fakeHost answers the control protocol and streams frames after START
func fakeHost(t *testing.T, frames int, samples int) (string, <-chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	cmds := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\r")
			cmds <- line
			switch strings.Fields(line)[0] {
			case "CONFIGURE":
				conn.Write([]byte("OK\r"))
			case "START":
				conn.Write([]byte("OK\r"))
				for i := 1; i <= frames; i++ {
					buf := make([]uint16, samples)
					for j := range buf {
						buf[j] = uint16(i)
					}
					WriteFrame(conn, uint64(i), buf)
				}
			}
		}
	}()
	return ln.Addr().String(), cmds
}

func TestStreamSingle(t *testing.T) {
	addr, cmds := fakeHost(t, 2, 12)
	s := NewStream(addr)
	defer s.Close()
	var got []uint64
	p := params(func(buf []uint16, seq uint64) error {
		assert.Equal(t, uint16(seq), buf[11])
		got = append(got, seq)
		return nil
	})
	p.Mode, p.BuffersPerAcquisition = Single, 2
	require.NoError(t, s.Configure(p))
	assert.Equal(t, "CONFIGURE 4 3 2 2 single 2000 0 50", <-cmds)
	require.NoError(t, s.Capture())
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestStreamTimeout(t *testing.T) {
	addr, _ := fakeHost(t, 1, 12)
	s := NewStream(addr)
	defer s.Close()
	require.NoError(t, s.Configure(params(func([]uint16, uint64) error { return nil })))
	assert.ErrorIs(t, s.Capture(), ErrTimeout)
}

func TestStreamStop(t *testing.T) {
	addr, _ := fakeHost(t, 0, 12)
	s := NewStream(addr)
	defer s.Close()
	p := params(func([]uint16, uint64) error { return nil })
	p.Timeout = 5 * time.Second
	require.NoError(t, s.Configure(p))
	done := make(chan error)
	go func() { done <- s.Capture() }()
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream capture did not stop")
	}
}
