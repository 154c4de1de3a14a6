// Command irissrv runs the wavefront shaping engine behind an HTTP interface
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pengusystems/rhodes/digitizer"
	"github.com/pengusystems/rhodes/engine"
	"github.com/pengusystems/rhodes/glv"
	"github.com/pengusystems/rhodes/imgrec"
	"github.com/pengusystems/rhodes/logger"
	"github.com/pengusystems/rhodes/server/middleware/locker"
	"github.com/pengusystems/rhodes/telemetry"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "irissrv.yml"
)

func main() {
	root := &cobra.Command{
		Use:   "irissrv",
		Short: "irissrv drives a GLV modulator and a digitizer in a closed focusing loop",
		Long: `irissrv preloads test patterns onto a GLV spatial light modulator, reduces
the digitizer buffers they produce into a phase correction, and pushes the
corrected column back to the modulator every cycle.  Everything is controlled
over HTTP; /metrics serves prometheus metrics and /events streams run events.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			return run(c)
		},
	})
	root.AddCommand(benchCommand())
	root.AddCommand(&cobra.Command{
		Use:   "mkconf",
		Short: "Write the configuration, defaults included, to the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mkconf(ConfigFileName)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "conf",
		Short: "Print the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			return writeConfig(os.Stdout, c)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("irissrv version %v\n", Version)
			fmt.Printf("Go version: %s\n", runtime.Version())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hardware opens the digitizer and modulator named by c
func hardware(c Config, log *zap.Logger) (digitizer.Digitizer, glv.Modulator, []io.Closer, error) {
	if c.Simulate {
		log.Info("simulating hardware")
		return &digitizer.Synthetic{Period: time.Millisecond, Fill: noise(1)}, &glv.Mock{}, nil, nil
	}
	dev, err := glv.Open(c.GLV, log.Named("glv"))
	if err != nil {
		return nil, nil, nil, err
	}
	stream := digitizer.NewStream(c.Digitizer)
	return stream, dev, []io.Closer{stream, dev}, nil
}

func run(c Config) error {
	if err := logger.Init(c.Log); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("irissrv")

	dig, mod, closers, err := hardware(c, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, cl := range closers {
			cl.Close()
		}
	}()

	hub := telemetry.NewHub()
	if c.MQTT.Broker != "" {
		m, err := telemetry.DialMQTT(c.MQTT, log.Named("mqtt"))
		if err != nil {
			return err
		}
		stop := m.Forward(hub)
		defer m.Close()
		defer stop()
	}

	metrics := engine.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	if err := prometheus.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: "iris",
			Name:      "event_subscribers",
			Help:      "Clients attached to the event stream.",
		},
		func() float64 { return float64(hub.Subscribers()) },
	)); err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithLogger(log.Named("engine")),
		engine.WithPublisher(hub),
		engine.WithMetrics(metrics),
	}
	if c.Simulate {
		if _, err := os.Stat(c.Engine.CalibrationPath); err != nil {
			log.Warn("no calibration table, using a linear one", zap.String("path", c.Engine.CalibrationPath))
			table, err := linearTable()
			if err != nil {
				return err
			}
			opts = append(opts, engine.WithCalibration(table))
		}
	}
	e, err := engine.New(dig, mod, c.Engine, opts...)
	if err != nil {
		return err
	}

	l := locker.New()
	rec := &imgrec.Recorder{Root: c.DumpRoot, Prefix: "iris"}
	h := engine.NewHTTPEngine(e, rec, l)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/events", telemetry.WebsocketHandler{Hub: hub, Log: log.Named("events")})
	sub := chi.NewRouter()
	sub.Use(l.Check)
	h.RT().Bind(sub)
	r.Mount("/iris", sub)

	srv := &http.Server{Addr: c.Addr, Handler: r}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		e.Stop()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()

	log.Info("now listening for requests", zap.String("addr", c.Addr), zap.Strings("routes", h.RT().Endpoints()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
