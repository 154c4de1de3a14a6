package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/pengusystems/rhodes/calibration"
	"github.com/pengusystems/rhodes/digitizer"
	"github.com/pengusystems/rhodes/engine"
	"github.com/pengusystems/rhodes/glv"
	"github.com/pengusystems/rhodes/logger"
	"github.com/pengusystems/rhodes/pattern"
)

// noise fills buffers with uniform 14 bit samples
func noise(seed int64) func([]uint16, uint64) {
	rng := rand.New(rand.NewSource(seed))
	return func(buf []uint16, seq uint64) {
		for i := range buf {
			buf[i] = uint16(rng.Intn(1 << 14))
		}
	}
}

// closedLoop emulates the instrument: each modulator pass triggers one
// cycle worth of buffers, and the next pass waits for the corrected column
func closedLoop(cfg engine.Config, algo pattern.Algorithm, passTime time.Duration) (*digitizer.Synthetic, *glv.Mock) {
	perCycle := cfg.InputModes / cfg.ModesPerBuffer(algo)
	trig := make(chan struct{}, 2*perCycle)
	mod := &glv.Mock{PassTime: passTime}
	mod.OnPass = func(int) {
		for i := 0; i < perCycle; i++ {
			trig <- struct{}{}
		}
	}
	return &digitizer.Synthetic{Trigger: trig, Fill: noise(1)}, mod
}

func linearTable() (*calibration.Table, error) {
	codes := make([]uint16, pattern.Levels)
	for i := range codes {
		codes[i] = uint16(i)
	}
	return calibration.NewTable(codes)
}

func benchCommand() *cobra.Command {
	var (
		duration time.Duration
		passTime time.Duration
		algoName string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure the cycle rate against emulated hardware",
		Long: `bench runs the configured optimization against a synthetic digitizer and a
mock modulator wired in a closed loop, then reports the cycle rate.  Set
--pass-time to the modulator's time for one pass over the preloaded table
to see the rate the instrument would reach.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			if algoName == "" {
				algoName = c.Engine.Algorithm
			}
			algo, err := pattern.ParseAlgorithm(algoName)
			if err != nil {
				return err
			}
			return bench(c, algo, duration, passTime)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to run")
	cmd.Flags().DurationVar(&passTime, "pass-time", 0, "emulated modulator pass time")
	cmd.Flags().StringVarP(&algoName, "algorithm", "a", "", "tm or iterative, default from the configuration")
	return cmd
}

func bench(c Config, algo pattern.Algorithm, duration, passTime time.Duration) error {
	c.Log.Level = "warn"
	log, err := logger.New(c.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	table, err := linearTable()
	if err != nil {
		return err
	}
	cfg := c.Engine
	cfg.SettleDelay = 0
	dig, mod := closedLoop(cfg, algo, passTime)
	e, err := engine.New(dig, mod, cfg, engine.WithLogger(log), engine.WithCalibration(table))
	if err != nil {
		return err
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " benchmarking",
		SuffixAutoColon:   true,
		Message:           "preloading",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	if err := spinner.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	if _, err := e.Start(ctx, engine.Run{Algorithm: algo}); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	start := time.Now()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick.C:
			st := e.Status()
			spinner.Message(fmt.Sprintf("%s %d cycles, %.1f Hz", algo, st.Cycles, float64(st.Cycles)/time.Since(start).Seconds()))
		}
	}
	e.Stop()
	elapsed := time.Since(start)

	st := e.Status()
	if st.LastError != "" {
		spinner.StopFailMessage(st.LastError)
		spinner.StopFail()
		return fmt.Errorf("bench: %s", st.LastError)
	}
	spinner.StopMessage(fmt.Sprintf("%s done", algo))
	spinner.Stop()
	fmt.Printf("modes          %d\n", cfg.InputModes)
	fmt.Printf("cycles         %d\n", st.Cycles)
	fmt.Printf("buffers        %d\n", st.Buffers)
	fmt.Printf("modulator      %d columns loaded\n", mod.Loads())
	fmt.Printf("cycle rate     %.2f Hz\n", float64(st.Cycles)/elapsed.Seconds())
	fmt.Printf("buffer rate    %.2f Hz\n", float64(st.Buffers)/elapsed.Seconds())
	return nil
}
