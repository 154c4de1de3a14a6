package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"path/filepath"

	"github.com/pengusystems/rhodes/generichttp"
	"github.com/pengusystems/rhodes/imgrec"
	"github.com/pengusystems/rhodes/pattern"
	"github.com/pengusystems/rhodes/server"
	"github.com/pengusystems/rhodes/server/middleware/locker"
	"github.com/pengusystems/rhodes/util"
)

// HTTPEngine wraps an Engine in an HTTP route table
type HTTPEngine struct {
	e   *Engine
	rec *imgrec.Recorder

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPEngine returns a new HTTP wrapper around an engine.  Dumps are
// written through rec and the routes of l are added to the table.
func NewHTTPEngine(e *Engine, rec *imgrec.Recorder, l *locker.Locker) HTTPEngine {
	h := HTTPEngine{e: e, rec: rec}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}:          h.GetConfig,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/config"}:         h.SetConfig,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/run"}:            h.Start,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}:           h.Stop,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/control"}:        h.Control,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:           h.State,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:          h.Status,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/solution"}:        h.Solution,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/solution/reset"}: h.ResetSolution,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/display"}:        h.Display,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/curve"}:          h.Curve,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/columns"}:        h.Columns,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/column-period"}: generichttp.GetInt(func() (int, error) {
			return e.Config().GLV.ColumnPeriodNs, nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/column-period"}: generichttp.SetInt(e.SetColumnPeriod),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/settle-delay"}: generichttp.GetFloat(func() (float64, error) {
			return e.Config().SettleDelay.Seconds(), nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/settle-delay"}: generichttp.SetFloat(func(secs float64) error {
			return e.modify(func(c *Config) { c.SettleDelay = util.SecsToDuration(secs) })
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/discard-first"}: generichttp.GetBool(func() (bool, error) {
			return e.Config().DiscardFirstBuffer, nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/discard-first"}: generichttp.SetBool(func(b bool) error {
			return e.modify(func(c *Config) { c.DiscardFirstBuffer = b })
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/algorithm"}: generichttp.GetString(func() (string, error) {
			return e.Config().Algorithm, nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/algorithm"}: generichttp.SetString(func(s string) error {
			return e.modify(func(c *Config) { c.Algorithm = s })
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/glv/status"}:     h.ModulatorStatus,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/glv/raw"}:       h.ModulatorCommand,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/glv/test"}:      h.ModulatorTest,
	}
	h.RouteTable = rt
	if rec != nil {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/preload"}] = h.DumpPreload
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/solution"}] = h.DumpSolution
		imgrec.NewHTTPWrapper(rec).Inject(h)
	}
	if l != nil {
		locker.Inject(h, l)
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/routes"}] = h.Routes
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPEngine) RT() generichttp.RouteTable {
	return h.RouteTable
}

// fail replies with err and the status it maps to
func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatus(err))
}

// decode reads a JSON body into v, replying 400 on failure
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type idT struct {
	ID string `json:"id"`
}

// GetConfig sends the configuration as JSON
func (h HTTPEngine) GetConfig(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.e.Config())
}

// SetConfig applies a JSON configuration.  Fields missing from the body keep
// their current values.
func (h HTTPEngine) SetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.e.Config()
	if !decode(w, r, &cfg) {
		return
	}
	if err := h.e.Configure(cfg); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// runRequest is the body of a run request
type runRequest struct {
	Algorithm   string `json:"algorithm"`
	UsePrevious bool   `json:"usePrevious"`
}

func (h HTTPEngine) start(w http.ResponseWriter, r *http.Request, req runRequest) {
	name := req.Algorithm
	if name == "" {
		name = h.e.Config().Algorithm
	}
	algo, err := pattern.ParseAlgorithm(name)
	if err != nil {
		fail(w, errors.Join(ErrConfiguration, err))
		return
	}
	// the run outlives the request
	id, err := h.e.Start(context.WithoutCancel(r.Context()), Run{Algorithm: algo, UsePrevious: req.UsePrevious})
	if err != nil {
		fail(w, err)
		return
	}
	server.ReplyJSON(w, idT{id})
}

// Start launches an optimization run from {"algorithm": "tm", "usePrevious": false}
func (h HTTPEngine) Start(w http.ResponseWriter, r *http.Request) {
	req := runRequest{}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	h.start(w, r, req)
}

// Stop ends whatever the engine is doing
func (h HTTPEngine) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.e.Stop(); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Control starts or stops a run of the configured algorithm from {"str": "start"|"stop"}
func (h HTTPEngine) Control(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	if !decode(w, r, &str) {
		return
	}
	switch str.Str {
	case "start":
		h.start(w, r, runRequest{})
	case "stop":
		h.Stop(w, r)
	default:
		http.Error(w, "control must be start or stop", http.StatusBadRequest)
	}
}

// State sends the engine state as {"str": state}
func (h HTTPEngine) State(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.e.State().String()}
	hp.EncodeAndRespond(w, r)
}

// Status sends the engine status as JSON
func (h HTTPEngine) Status(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.e.Status())
}

// Solution sends the solution column, in radians, as a JSON array
func (h HTTPEngine) Solution(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.e.FinalPhase())
}

// ResetSolution restores the initial solution
func (h HTTPEngine) ResetSolution(w http.ResponseWriter, r *http.Request) {
	if err := h.e.ResetSolution(); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Display shows the solution on the modulator from {"bool": ramp}
func (h HTTPEngine) Display(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	if r.ContentLength != 0 && !decode(w, r, &b) {
		return
	}
	id, err := h.e.DisplaySolution(context.WithoutCancel(r.Context()), b.Bool)
	if err != nil {
		fail(w, err)
		return
	}
	server.ReplyJSON(w, idT{id})
}

// Curve extracts a response curve from {"str": kind} and replies with the text dump
func (h HTTPEngine) Curve(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	if r.ContentLength != 0 && !decode(w, r, &str) {
		return
	}
	kind, err := ParseCurveKind(str.Str)
	if err != nil {
		fail(w, err)
		return
	}
	buf := &bytes.Buffer{}
	if err := h.e.ExtractCurve(r.Context(), kind, buf); err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

// columnsRequest is the body of a column cycling request
type columnsRequest struct {
	Set    string `json:"set"`
	Mode   string `json:"mode"`
	First  int    `json:"first"`
	Last   *int   `json:"last"`
	Repeat bool   `json:"repeat"`
}

// Columns cycles a named column set
func (h HTTPEngine) Columns(w http.ResponseWriter, r *http.Request) {
	req := columnsRequest{}
	if !decode(w, r, &req) {
		return
	}
	set, err := ParseColumnSet(req.Set)
	if err != nil {
		fail(w, err)
		return
	}
	mode, err := ParseCycleMode(req.Mode)
	if err != nil {
		fail(w, err)
		return
	}
	last := -1
	if req.Last != nil {
		last = *req.Last
	}
	id, err := h.e.CycleColumns(context.WithoutCancel(r.Context()), set, mode, req.First, last, req.Repeat)
	if err != nil {
		fail(w, err)
		return
	}
	server.ReplyJSON(w, idT{id})
}

// ModulatorStatus sends the modulator controller status as JSON
func (h HTTPEngine) ModulatorStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.e.ModulatorStatus()
	if err != nil {
		fail(w, err)
		return
	}
	server.ReplyJSON(w, s)
}

// ModulatorCommand sends {"str": command} to the modulator controller
func (h HTTPEngine) ModulatorCommand(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	if !decode(w, r, &str) {
		return
	}
	if err := h.e.ModulatorCommand(r.Context(), str.Str); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ModulatorTest runs the built in test named by {"str": name}
func (h HTTPEngine) ModulatorTest(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	if !decode(w, r, &str) {
		return
	}
	if err := h.e.ModulatorTest(r.Context(), str.Str); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPEngine) replyDump(w http.ResponseWriter, r *http.Request, path string, err error) {
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("X-Dump-Path", path)
	server.ReplyWithFile(w, r, filepath.Base(path), filepath.Dir(path))
}

// DumpPreload writes the last preloaded set to disk and replies with the file
func (h HTTPEngine) DumpPreload(w http.ResponseWriter, r *http.Request) {
	path, err := h.e.DumpPreload(h.rec)
	h.replyDump(w, r, path, err)
}

// DumpSolution writes the solution to disk and replies with the file
func (h HTTPEngine) DumpSolution(w http.ResponseWriter, r *http.Request) {
	path, err := h.e.DumpSolution(h.rec)
	h.replyDump(w, r, path, err)
}

// Routes lists the routes of the table
func (h HTTPEngine) Routes(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.RouteTable.Endpoints())
}
