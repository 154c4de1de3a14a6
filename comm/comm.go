/*Package comm provides the command channel used to talk to lab hardware over
a serial port or a TCP socket.

Commands and responses are ASCII lines terminated by a carriage return.  Most
usages embed or hold a RemoteDevice:

	rd := comm.NewRemoteDevice("/dev/ttyUSB0", true)
	rd.Serial = &serial.Config{Name: "/dev/ttyUSB0", Baud: 115200}
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("STATUS"))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\r')

	// ErrNoSerialConf is generated when IsSerial is true and Serial is nil
	ErrNoSerialConf = errors.New("comm: IsSerial=true but no serial configuration was given")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("comm: conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("comm: termination byte not found")
)

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

// deadliner is satisfied by net.Conn
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

/*RemoteDevice has an address and implements Communicator

Writes are serialized by an internal lock, so Send may be called from several
goroutines.  Reads share one buffered reader, so a single goroutine should own
Recv (or Reader).
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool

	// Serial is used to open the port when IsSerial is true
	Serial *serial.Config

	// Timeout bounds each Send and Recv on connections that support deadlines.
	// Zero disables deadlines.
	Timeout time.Duration

	Conn io.ReadWriteCloser

	wmu    sync.Mutex
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, serial bool) *RemoteDevice {
	return &RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Timeout:  3 * time.Second}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	// we use an exponential backoff, controllers
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := err.Error()
			errS = strings.ToLower(errS)
			if strings.Contains(errS, "refused") || errors.Is(err, ErrNoSerialConf) {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("comm: connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		if rd.Serial == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.Serial)
	} else {
		conn, err = TCPSetup(rd.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	rd.Attach(conn)
	return nil
}

// Attach adopts an already open connection
func (rd *RemoteDevice) Attach(conn io.ReadWriteCloser) {
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
		rd.reader = nil
	}
	return err
}

// Reader returns the buffered reader over the connection, for callers that
// read framed binary data after a line oriented handshake
func (rd *RemoteDevice) Reader() io.Reader {
	return rd.reader
}

// Send writes data to the remote, appending the terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(append(msg, b...), terminator)
	rd.wmu.Lock()
	defer rd.wmu.Unlock()
	if d, ok := rd.Conn.(deadliner); ok && rd.Timeout > 0 {
		d.SetWriteDeadline(time.Now().Add(rd.Timeout))
	}
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv recieves data from the remote and strips the terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil || rd.reader == nil {
		return nil, ErrNotConnected
	}
	if d, ok := rd.Conn.(deadliner); ok && rd.Timeout > 0 {
		d.SetReadDeadline(time.Now().Add(rd.Timeout))
	}
	buf, err := rd.reader.ReadBytes(terminator)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{terminator}), nil
}

// SendRecv sends a buffer after appending the terminator,
// then returns the response with the terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return nil, err
	}
	return rd.Recv()
}

// TCPSetup opens a new TCP connection with a timeout on connect.  Read and
// write deadlines are left to the caller.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
