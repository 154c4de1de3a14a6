package digitizer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snksoft/crc"

	"github.com/pengusystems/rhodes/comm"
)

// frameMagic opens every buffer frame sent by the acquisition host
var frameMagic = [4]byte{'R', 'B', 'U', 'F'}

var crcTable = crc.NewTable(crc.XMODEM)

/*Stream is a digitizer client for an acquisition host that owns the card and
forwards completed DMA buffers over TCP.

The control channel is the line protocol of package comm:

	CONFIGURE <samples> <records> <buffers> <per-acq> <single|continuous> <range_mv> <delay_samples> <timeout_ms>  -> OK
	START                                                                                                          -> OK
	STOP

after START the host sends one frame per buffer:

	"RBUF" | seq uint64 LE | n uint32 LE | n little endian uint16 samples | CRC-16/XMODEM of the samples, BE
*/
type Stream struct {
	Addr string

	mu      sync.Mutex
	rd      *comm.RemoteDevice
	params  Params
	stopped atomic.Bool
}

// NewStream returns a stream digitizer for the host at addr
func NewStream(addr string) *Stream {
	return &Stream{Addr: addr}
}

// Configure implements Digitizer.  It connects on first use.
func (s *Stream) Configure(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rd == nil {
		rd := comm.NewRemoteDevice(s.Addr, false)
		if err := rd.Open(); err != nil {
			return err
		}
		s.rd = rd
	}
	mode := "continuous"
	if p.Mode == Single {
		mode = "single"
	}
	cmd := fmt.Sprintf("CONFIGURE %d %d %d %d %s %d %d %d",
		p.SamplesPerRecord, p.RecordsPerBuffer, p.BufferCount, p.BuffersPerAcquisition,
		mode, int(p.InputRange*1000), p.TriggerDelaySamples(), p.Timeout.Milliseconds())
	if err := s.expectOK(cmd); err != nil {
		return err
	}
	s.params = p
	s.stopped.Store(false)
	return nil
}

func (s *Stream) expectOK(cmd string) error {
	resp, err := s.rd.SendRecv([]byte(cmd))
	if err != nil {
		return err
	}
	if r := strings.TrimSpace(string(resp)); r != "OK" {
		return fmt.Errorf("digitizer: host rejected %q: %s", strings.Fields(cmd)[0], r)
	}
	return nil
}

// Capture implements Digitizer
func (s *Stream) Capture() error {
	s.mu.Lock()
	rd, p := s.rd, s.params
	if rd == nil {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	err := s.expectOK("START")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	conn, _ := rd.Conn.(net.Conn)
	buf := make([]uint16, p.SamplesPerBuffer())
	raw := make([]byte, 2*len(buf))
	var count int
	for {
		if s.stopped.Load() {
			return nil
		}
		if conn != nil {
			conn.SetReadDeadline(time.Now().Add(p.Timeout))
		}
		seq, err := readFrame(rd.Reader(), raw, buf)
		if err != nil {
			if s.stopped.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrTimeout
			}
			return err
		}
		if err := p.Handler(buf, seq); err != nil {
			return err
		}
		count++
		if p.Mode == Single && count >= p.BuffersPerAcquisition {
			return nil
		}
	}
}

// Stop implements Digitizer
func (s *Stream) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.mu.Lock()
	rd := s.rd
	s.mu.Unlock()
	if rd == nil {
		return
	}
	rd.Send([]byte("STOP"))
	// unblock a pending read
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetReadDeadline(time.Now())
	}
}

// Close stops the capture and releases the connection
func (s *Stream) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rd == nil {
		return nil
	}
	err := s.rd.Close()
	s.rd = nil
	return err
}

// readFrame reads one frame into buf, using raw as scratch for the payload
func readFrame(r io.Reader, raw []byte, buf []uint16) (uint64, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	if [4]byte(hdr[:4]) != frameMagic {
		return 0, fmt.Errorf("%w: bad frame magic %q", ErrCorrupt, hdr[:4])
	}
	seq := binary.LittleEndian.Uint64(hdr[4:12])
	n := int(binary.LittleEndian.Uint32(hdr[12:16]))
	if n != len(buf) {
		return 0, fmt.Errorf("%w: frame of %d samples, expected %d", ErrCorrupt, n, len(buf))
	}
	if _, err := io.ReadFull(r, raw); err != nil {
		return 0, err
	}
	var tail [2]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return 0, err
	}
	if uint16(crcTable.CalculateCRC(raw)) != binary.BigEndian.Uint16(tail[:]) {
		return 0, fmt.Errorf("%w: crc mismatch on buffer %d", ErrCorrupt, seq)
	}
	for i := range buf {
		buf[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return seq, nil
}

// WriteFrame encodes one buffer frame, the inverse of what Capture reads.
// Acquisition hosts and tests use it.
func WriteFrame(w io.Writer, seq uint64, buf []uint16) error {
	out := make([]byte, 16+2*len(buf)+2)
	copy(out, frameMagic[:])
	binary.LittleEndian.PutUint64(out[4:], seq)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(buf)))
	payload := out[16 : 16+2*len(buf)]
	for i, v := range buf {
		binary.LittleEndian.PutUint16(payload[2*i:], v)
	}
	binary.BigEndian.PutUint16(out[16+2*len(buf):], uint16(crcTable.CalculateCRC(payload)))
	_, err := w.Write(out)
	return err
}
