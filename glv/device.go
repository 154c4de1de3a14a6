package glv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/tarm/serial"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pengusystems/rhodes/comm"
)

const (
	// DefaultBaud is the UART rate of the controller
	DefaultBaud = 115200

	// DefaultCommandDelay is the quiet time the controller needs after each
	// UART command before it reliably accepts the next one
	DefaultCommandDelay = time.Second

	resetDelay = 35 * time.Second
	bootDelay  = 8 * time.Second

	statusLines = 64
)

// Test is a built in display test
type Test int

const (
	// TestRamp is the controller's test pattern 1 at a fixed level
	TestRamp Test = iota

	// TestSweep sweeps every pixel through all levels
	TestSweep

	// TestCheckerboard is the controller's test pattern 9
	TestCheckerboard

	// TestAllMin loads and shows one column of level zero
	TestAllMin

	// TestAllMax loads and shows one column of MaxLevel
	TestAllMax

	// TestLevelsLoop loads a column for every level and loops over them
	TestLevelsLoop

	// TestLevelsOnce loads a column for every level and shows them once
	TestLevelsOnce
)

var testNames = map[string]Test{
	"ramp":         TestRamp,
	"sweep":        TestSweep,
	"checkerboard": TestCheckerboard,
	"all-min":      TestAllMin,
	"all-max":      TestAllMax,
	"levels-loop":  TestLevelsLoop,
	"levels-once":  TestLevelsOnce,
}

// ParseTest converts a test name to a Test
func ParseTest(s string) (Test, error) {
	t, ok := testNames[s]
	if !ok {
		return 0, fmt.Errorf("glv: unknown test %q", s)
	}
	return t, nil
}

// Config describes how to reach the controller
type Config struct {
	// Port is the UART device, e.g. /dev/ttyACM0, or host:port for a TCP bridge
	Port string `yaml:"port" koanf:"port"`

	// Serial selects a serial port rather than a TCP bridge for Port
	Serial bool `yaml:"serial" koanf:"serial"`

	Baud int `yaml:"baud" koanf:"baud"`

	// CommandDelay paces UART commands
	CommandDelay time.Duration `yaml:"commandDelay" koanf:"commandDelay"`

	// Endpoint is the USB bulk out endpoint number
	Endpoint int `yaml:"endpoint" koanf:"endpoint"`
}

// DefaultConfig is the bench setup
func DefaultConfig() Config {
	return Config{
		Port:         "/dev/ttyACM0",
		Serial:       true,
		Baud:         DefaultBaud,
		CommandDelay: DefaultCommandDelay,
		Endpoint:     1,
	}
}

// Device is a modulator reached over a UART command channel and a USB bulk
// data channel.  Unsolicited UART output is collected by a monitor goroutine.
type Device struct {
	// cmdMu serializes multi step command sequences
	cmdMu sync.Mutex

	rd      *comm.RemoteDevice
	conn    io.Closer
	bulk    io.Writer
	closers []func() error
	limiter *rate.Limiter
	log     *zap.Logger

	xmu  sync.Mutex
	xfer []byte

	mu          sync.Mutex
	params      Params
	preloaded   int
	selfCycling bool
	responsive  bool
	closed      bool
	lines       []string

	done chan struct{}
}

// Open connects to the controller over USB and the UART
func Open(cfg Config, log *zap.Logger) (*Device, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("glv: open usb: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("glv: usb device %04x:%04x not found", VendorID, ProductID)
	}
	if err = dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("glv: usb auto detach: %w", err)
	}
	iface, release, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("glv: usb interface: %w", err)
	}
	ep, err := iface.OutEndpoint(cfg.Endpoint)
	if err != nil {
		release()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("glv: usb endpoint %d: %w", cfg.Endpoint, err)
	}

	rd := comm.NewRemoteDevice(cfg.Port, cfg.Serial)
	rd.Timeout = 0
	if cfg.Serial {
		baud := cfg.Baud
		if baud == 0 {
			baud = DefaultBaud
		}
		rd.Serial = &serial.Config{Name: cfg.Port, Baud: baud}
	}
	if err = rd.Open(); err != nil {
		release()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("glv: open uart: %w", err)
	}

	d := newDevice(rd, ep, cfg.CommandDelay, log)
	d.closers = append(d.closers,
		func() error { release(); return nil },
		dev.Close,
		ctx.Close)
	return d, nil
}

// NewDevice builds a Device over already open channels.  cmd carries the
// UART text protocol and bulk receives encoded column transfers.
func NewDevice(cmd io.ReadWriteCloser, bulk io.Writer, commandDelay time.Duration, log *zap.Logger) *Device {
	rd := comm.NewRemoteDevice("", false)
	rd.Timeout = 0
	rd.Attach(cmd)
	return newDevice(rd, bulk, commandDelay, log)
}

func newDevice(rd *comm.RemoteDevice, bulk io.Writer, commandDelay time.Duration, log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if commandDelay > 0 {
		lim = rate.NewLimiter(rate.Every(commandDelay), 1)
	}
	d := &Device{
		rd:      rd,
		conn:    rd.Conn,
		bulk:    bulk,
		limiter: lim,
		log:     log,
		xfer:    make([]byte, BytesPerTransfer),
		params:  DefaultParams(),
		done:    make(chan struct{}),
	}
	go d.monitor()
	return d
}

// monitor drains unsolicited controller output
func (d *Device) monitor() {
	defer close(d.done)
	for {
		line, err := d.rd.Recv()
		if len(line) > 0 {
			d.record(string(line))
		}
		if err != nil {
			if !errors.Is(err, comm.ErrTerminatorNotFound) {
				d.mu.Lock()
				closed := d.closed
				d.mu.Unlock()
				if !closed {
					d.log.Debug("glv uart monitor stopped", zap.Error(err))
				}
			}
			return
		}
	}
}

func (d *Device) record(line string) {
	d.mu.Lock()
	d.responsive = true
	d.lines = append(d.lines, line)
	if len(d.lines) > statusLines {
		d.lines = d.lines[len(d.lines)-statusLines:]
	}
	d.mu.Unlock()
	d.log.Debug("glv", zap.String("rx", line))
}

// send writes one UART command, paced by the command limiter.  hold adds a
// further quiet period after the command.
func (d *Device) send(cmd string, hold time.Duration) error {
	if err := d.limiter.Wait(context.Background()); err != nil {
		return err
	}
	d.log.Debug("glv", zap.String("tx", cmd))
	if err := d.rd.Send([]byte(cmd)); err != nil {
		return fmt.Errorf("glv: send %q: %w", cmd, err)
	}
	if hold > 0 {
		time.Sleep(hold)
	}
	return nil
}

func (d *Device) sendAll(cmds ...string) error {
	for _, c := range cmds {
		if err := d.send(c, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) transfer(col []uint16) error {
	if err := checkColumn(col); err != nil {
		return err
	}
	d.xmu.Lock()
	defer d.xmu.Unlock()
	EncodeColumn(d.xfer, col)
	n, err := d.bulk.Write(d.xfer)
	if err != nil {
		return fmt.Errorf("glv: usb transfer: %w", err)
	}
	if n != len(d.xfer) {
		return fmt.Errorf("glv: usb transfer: wrote %d of %d bytes", n, len(d.xfer))
	}
	return nil
}

func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Configure applies the drive voltage and trigger setup.  A controller that
// has never answered may be stuck in a self cycle, so it is told to stop.
func (d *Device) Configure(p Params) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.mu.Lock()
	d.params = p
	responsive := d.responsive
	d.mu.Unlock()

	cmds := []string{"VDDAH " + strconv.Itoa(p.Vddah)}
	if !responsive {
		cmds = append(cmds, "LOOPSTOP")
	}
	if p.TriggerAuto {
		cmds = append(cmds, "FRAMECONTROL OFF", "TRIGCSOURCE POS NOG")
	} else {
		cmds = append(cmds,
			"FRAMETIME 10000000",
			"FRAMECONTROL ON",
			"FRAMESOURCE SWS",
			"TRIGCSOURCE POS GAT")
	}
	cmds = append(cmds,
		"TRIGCPWTIME "+strconv.Itoa(colTrigWidthNs),
		"COLTRIGDELAY "+strconv.Itoa(colTrigDelayNs),
		"COLTIME "+strconv.Itoa(p.ColumnPeriodNs))
	return d.sendAll(cmds...)
}

// SetColumnPeriod changes the column period
func (d *Device) SetColumnPeriod(ns int) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.mu.Lock()
	d.params.ColumnPeriodNs = ns
	d.mu.Unlock()
	return d.send("COLTIME "+strconv.Itoa(ns), 0)
}

// Preload replaces the column table
func (d *Device) Preload(frame [][]uint16) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.preload(frame)
}

func (d *Device) preload(frame [][]uint16) error {
	for _, col := range frame {
		if err := checkColumn(col); err != nil {
			return err
		}
	}
	if err := d.send("USB 0 0 "+strconv.Itoa(len(frame)), 0); err != nil {
		return err
	}
	for i, col := range frame {
		if err := d.transfer(col); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	d.mu.Lock()
	d.preloaded = len(frame)
	d.mu.Unlock()
	return nil
}

// Cycle plays columns start through end inclusive
func (d *Device) Cycle(start, end int, repeat bool) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.cycle(start, end, repeat)
}

func (d *Device) cycle(start, end int, repeat bool) error {
	s, e := strconv.Itoa(start), strconv.Itoa(end)
	if repeat {
		return d.send("LOOPLUT "+s+" "+e+" 0", 0)
	}
	return d.sendAll("GOLUT "+s+" "+e, "SOFTTRIGGER F1")
}

// RunSelfCycle starts the self cycling loop over the preloaded table.
// After each pass the controller waits for LoadAndResume.
func (d *Device) RunSelfCycle() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.mu.Lock()
	n := d.preloaded
	wait := d.params.LoopCycleWait
	d.mu.Unlock()
	if n == 0 {
		return ErrNotPreloaded
	}
	us := strconv.FormatInt(wait.Microseconds(), 10)
	err := d.send(fmt.Sprintf("LOOPCYCLE 0 %d %d %s 0", n-1, n, us), 0)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.selfCycling = true
	d.mu.Unlock()
	return nil
}

// StopSelfCycle ends the self cycling loop, if running
func (d *Device) StopSelfCycle() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.mu.Lock()
	running := d.selfCycling
	d.selfCycling = false
	d.mu.Unlock()
	if !running {
		return nil
	}
	return d.send("LOOPSTOP", 0)
}

// LoadAndResume sends the dynamic column.  It only touches the USB channel
// so it does not wait on UART pacing.
func (d *Device) LoadAndResume(col []uint16) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.transfer(col)
}

// Stop ends a repeated display
func (d *Device) Stop() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.send("/", 0)
}

// Reset restarts the controller firmware and waits for it to come back
func (d *Device) Reset() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.mu.Lock()
	d.responsive = false
	d.selfCycling = false
	d.preloaded = 0
	d.mu.Unlock()
	return d.send("RESET", resetDelay)
}

// Boot powers up the ribbon drivers
func (d *Device) Boot() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.send("BOOTUP", bootDelay)
}

// RequestStatus asks the controller to print its status.  The replies
// arrive asynchronously and show up in Status.
func (d *Device) RequestStatus() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.sendAll("STATUS", "PSOC", "COLSTATUS", "FRAMESTATUS", "READADC")
}

// Status reports the controller state and its recent output
func (d *Device) Status() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines := make([]string, len(d.lines))
	copy(lines, d.lines)
	return Status{
		Responsive:  d.responsive,
		SelfCycling: d.selfCycling,
		Preloaded:   d.preloaded,
		Lines:       lines,
	}, nil
}

// Raw sends an arbitrary command
func (d *Device) Raw(cmd string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.send(cmd, 0)
}

// RunTest runs one of the built in display tests
func (d *Device) RunTest(t Test) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	switch t {
	case TestRamp:
		return d.send("TEST1 800", 0)
	case TestSweep:
		return d.send("TEST4 0 "+strconv.Itoa(MaxLevel), 0)
	case TestCheckerboard:
		return d.send("TEST9", 0)
	case TestAllMin, TestAllMax:
		lvl := uint16(0)
		if t == TestAllMax {
			lvl = MaxLevel
		}
		if err := d.preload([][]uint16{fill(lvl)}); err != nil {
			return err
		}
		return d.send("GOLUT 0 0", 0)
	case TestLevelsLoop, TestLevelsOnce:
		frame := make([][]uint16, MaxLevel+1)
		for i := range frame {
			frame[i] = fill(uint16(i))
		}
		if err := d.preload(frame); err != nil {
			return err
		}
		return d.cycle(0, MaxLevel, t == TestLevelsLoop)
	default:
		return fmt.Errorf("glv: unknown test %d", t)
	}
}

func fill(level uint16) []uint16 {
	col := make([]uint16, Pixels)
	for i := range col {
		col[i] = level
	}
	return col
}

// Close stops the monitor and releases both channels
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.conn.Close()
	<-d.done
	for _, c := range d.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
