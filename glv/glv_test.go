package glv

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeColumnLayout(t *testing.T) {
	col := make([]uint16, Pixels)
	for i := range col {
		col[i] = uint16(i)
	}
	buf := make([]byte, BytesPerTransfer)
	EncodeColumn(buf, col)

	// big endian pixel 0, 1, 544, 545 then 2, 3, 546, 547
	want := []byte{0, 0, 0, 1, 0x02, 0x20, 0x02, 0x21, 0, 2, 0, 3, 0x02, 0x22, 0x02, 0x23}
	assert.Equal(t, want, buf[:16])

	// last group is 542, 543, 1086, 1087
	tail := buf[4*542 : 4*542+8]
	assert.Equal(t, []byte{0x02, 0x1e, 0x02, 0x1f, 0x04, 0x3e, 0x04, 0x3f}, tail)

	// padding untouched
	for _, b := range buf[2*Pixels:] {
		require.Zero(t, b)
	}
	if diff := cmp.Diff(col, DecodeColumn(buf)); diff != "" {
		t.Fatal(diff)
	}
}

// controller is the far side of the UART
type controller struct {
	conn net.Conn

	mu   sync.Mutex
	cmds []string
}

func newController(t *testing.T) (*controller, net.Conn) {
	a, b := net.Pipe()
	c := &controller{conn: b}
	go func() {
		r := bufio.NewReader(b)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			c.mu.Lock()
			c.cmds = append(c.cmds, line[:len(line)-1])
			c.mu.Unlock()
		}
	}()
	t.Cleanup(func() { b.Close() })
	return c, a
}

func (c *controller) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cmds...)
}

func (c *controller) waitFor(t *testing.T, n int) []string {
	require.Eventually(t, func() bool { return len(c.commands()) >= n }, 2*time.Second, time.Millisecond)
	return c.commands()
}

type bulkSink struct {
	mu  sync.Mutex
	got [][]byte
}

func (b *bulkSink) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, append([]byte(nil), p...))
	return len(p), nil
}

func (b *bulkSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func TestConfigureSequence(t *testing.T) {
	ctl, conn := newController(t)
	d := NewDevice(conn, &bulkSink{}, 0, nil)
	defer d.Close()

	p := DefaultParams()
	p.TriggerAuto = false
	p.ColumnPeriodNs = 7000
	require.NoError(t, d.Configure(p))
	got := ctl.waitFor(t, 9)
	want := []string{
		"VDDAH 340",
		"LOOPSTOP",
		"FRAMETIME 10000000",
		"FRAMECONTROL ON",
		"FRAMESOURCE SWS",
		"TRIGCSOURCE POS GAT",
		"TRIGCPWTIME 200",
		"COLTRIGDELAY 0",
		"COLTIME 7000",
	}
	assert.Equal(t, want, got)
}

func TestConfigureResponsiveSkipsLoopStop(t *testing.T) {
	ctl, conn := newController(t)
	d := NewDevice(conn, &bulkSink{}, 0, nil)
	defer d.Close()

	// unsolicited output marks the controller alive
	go ctl.conn.Write([]byte("GLV ready\r"))
	require.Eventually(t, func() bool {
		s, _ := d.Status()
		return s.Responsive
	}, time.Second, time.Millisecond)
	s, _ := d.Status()
	assert.Equal(t, []string{"GLV ready"}, s.Lines)

	require.NoError(t, d.Configure(DefaultParams()))
	got := ctl.waitFor(t, 6)
	assert.Equal(t, []string{
		"VDDAH 340",
		"FRAMECONTROL OFF",
		"TRIGCSOURCE POS NOG",
		"TRIGCPWTIME 200",
		"COLTRIGDELAY 0",
		"COLTIME 6000",
	}, got)
}

func TestPreloadAndSelfCycle(t *testing.T) {
	ctl, conn := newController(t)
	bulk := &bulkSink{}
	d := NewDevice(conn, bulk, 0, nil)
	defer d.Close()

	assert.ErrorIs(t, d.RunSelfCycle(), ErrNotPreloaded)

	frame := [][]uint16{fill(1), fill(2), fill(3)}
	require.NoError(t, d.Preload(frame))
	assert.Equal(t, 3, bulk.count())

	require.NoError(t, d.RunSelfCycle())
	require.NoError(t, d.LoadAndResume(fill(9)))
	assert.Equal(t, 4, bulk.count())
	require.NoError(t, d.StopSelfCycle())
	require.NoError(t, d.StopSelfCycle()) // second stop sends nothing

	got := ctl.waitFor(t, 3)
	assert.Equal(t, []string{"USB 0 0 3", "LOOPCYCLE 0 2 3 50000 0", "LOOPSTOP"}, got)
	assert.Equal(t, fill(9), DecodeColumn(bulk.got[3]))
}

func TestPreloadRejectsShortColumn(t *testing.T) {
	_, conn := newController(t)
	d := NewDevice(conn, &bulkSink{}, 0, nil)
	defer d.Close()
	assert.ErrorIs(t, d.Preload([][]uint16{make([]uint16, 10)}), ErrColumnLength)
	assert.ErrorIs(t, d.LoadAndResume(make([]uint16, 10)), ErrColumnLength)
}

func TestCycleCommands(t *testing.T) {
	ctl, conn := newController(t)
	d := NewDevice(conn, &bulkSink{}, 0, nil)
	defer d.Close()

	require.NoError(t, d.Cycle(0, 1023, false))
	require.NoError(t, d.Cycle(4, 7, true))
	require.NoError(t, d.Stop())
	require.NoError(t, d.SetColumnPeriod(4000))
	got := ctl.waitFor(t, 5)
	assert.Equal(t, []string{"GOLUT 0 1023", "SOFTTRIGGER F1", "LOOPLUT 4 7 0", "/", "COLTIME 4000"}, got)
}

func TestRunTestLevels(t *testing.T) {
	ctl, conn := newController(t)
	bulk := &bulkSink{}
	d := NewDevice(conn, bulk, 0, nil)
	defer d.Close()

	require.NoError(t, d.RunTest(TestLevelsOnce))
	assert.Equal(t, MaxLevel+1, bulk.count())
	got := ctl.waitFor(t, 3)
	assert.Equal(t, []string{"USB 0 0 1024", "GOLUT 0 1023", "SOFTTRIGGER F1"}, got)

	_, err := ParseTest("nope")
	assert.Error(t, err)
}

func TestCommandPacing(t *testing.T) {
	ctl, conn := newController(t)
	d := NewDevice(conn, &bulkSink{}, 20*time.Millisecond, nil)
	defer d.Close()

	start := time.Now()
	require.NoError(t, d.Raw("A"))
	require.NoError(t, d.Raw("B"))
	require.NoError(t, d.Raw("C"))
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	ctl.waitFor(t, 3)
}

func TestClosed(t *testing.T) {
	_, conn := newController(t)
	d := NewDevice(conn, &bulkSink{}, 0, nil)
	require.NoError(t, d.Close())
	assert.NoError(t, d.Close())
	assert.ErrorIs(t, d.Stop(), ErrClosed)
	assert.ErrorIs(t, d.LoadAndResume(fill(0)), ErrClosed)
}

func TestMockSelfCycle(t *testing.T) {
	var passes atomic.Int32
	m := &Mock{PassTime: time.Millisecond}
	m.OnPass = func(int) { passes.Add(1) }

	assert.ErrorIs(t, m.RunSelfCycle(), ErrNotPreloaded)
	require.NoError(t, m.Preload([][]uint16{fill(0), fill(1)}))
	require.NoError(t, m.RunSelfCycle())

	// the loop holds after a pass until a column arrives
	require.Eventually(t, func() bool { return passes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, passes.Load())

	require.NoError(t, m.LoadAndResume(fill(5)))
	require.Eventually(t, func() bool { return passes.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, fill(5), m.Last())
	assert.Equal(t, 1, m.Loads())

	require.NoError(t, m.StopSelfCycle())
	assert.False(t, m.SelfCycling())
}

func TestMockLoadErr(t *testing.T) {
	m := &Mock{}
	m.SetLoadErr(assert.AnError)
	assert.ErrorIs(t, m.LoadAndResume(fill(1)), assert.AnError)
	assert.Zero(t, m.Loads())
}
