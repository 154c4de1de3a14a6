package comm_test

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengusystems/rhodes/comm"
)

// tcpEchoServer echoes every connection back to itself
func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvEcho(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false)
	require.NoError(t, rd.Open())
	defer rd.Close()

	resp, err := rd.SendRecv([]byte("STATUS"))
	require.NoError(t, err)
	assert.Equal(t, "STATUS", string(resp))

	// buffered data survives between reads
	require.NoError(t, rd.Send([]byte("A")))
	require.NoError(t, rd.Send([]byte("B")))
	a, err := rd.Recv()
	require.NoError(t, err)
	b, err := rd.Recv()
	require.NoError(t, err)
	assert.Equal(t, "A", string(a))
	assert.Equal(t, "B", string(b))
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("nowhere", false)
	assert.ErrorIs(t, rd.Send([]byte("x")), comm.ErrNotConnected)
	_, err := rd.Recv()
	assert.ErrorIs(t, err, comm.ErrNotConnected)
	assert.NoError(t, rd.Close())
}

func TestSerialWithoutConf(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/null", true)
	assert.ErrorIs(t, rd.Open(), comm.ErrNoSerialConf)
}

func TestAttachPipe(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	rd := comm.NewRemoteDevice("pipe", false)
	rd.Timeout = time.Second
	rd.Attach(local)
	defer rd.Close()

	go func() {
		line, _ := bufio.NewReader(remote).ReadString('\r')
		remote.Write([]byte("ack " + line))
	}()
	resp, err := rd.SendRecv([]byte("COLTIME 6000"))
	require.NoError(t, err)
	assert.Equal(t, "ack COLTIME 6000", string(resp))
}

func TestRecvTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	rd := comm.NewRemoteDevice("pipe", false)
	rd.Timeout = 20 * time.Millisecond
	rd.Attach(local)
	defer rd.Close()
	_, err := rd.Recv()
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}
