package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/positioning.control/internal/adc"
	"github.com/banshee-data/positioning.control/internal/config"
	"github.com/banshee-data/positioning.control/internal/control"
	"github.com/banshee-data/positioning.control/internal/db"
	"github.com/banshee-data/positioning.control/internal/httputil"
	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/opcua"
	"github.com/banshee-data/positioning.control/internal/telemetry"
	"github.com/banshee-data/positioning.control/internal/units"
	"github.com/banshee-data/positioning.control/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Controller is the command surface of the control loop.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	SetMode(ctx context.Context, mode control.Mode) error
	SetTarget(ctx context.Context, axis string, steps int) (int, error)
	SubmitTarget(coax, cross int) error
	ApplyConfig(ctx context.Context, values url.Values) (config.Config, error)
	Calibrate(ctx context.Context, index int) (adc.Calibration, error)
	Config() config.Config
	Snapshot() telemetry.Snapshot
}

// History lists past runs and faults.
type History interface {
	Runs(limit int) ([]db.Run, error)
	Faults(limit int) ([]db.Fault, error)
}

type Server struct {
	ctrl        Controller
	history     History
	broadcaster *telemetry.Broadcaster
	mirror      *opcua.Mirror
}

func NewServer(ctrl Controller, history History, b *telemetry.Broadcaster, mirror *opcua.Mirror) *Server {
	return &Server{
		ctrl:        ctrl,
		history:     history,
		broadcaster: b,
		mirror:      mirror,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes the connection through for the /ws upgrade.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", telemetry.NewHandler(s.broadcaster, s.ctrl))
	mux.HandleFunc("GET /config", s.showConfig)
	mux.HandleFunc("POST /config", s.applyConfig)
	mux.HandleFunc("POST /start", s.start)
	mux.HandleFunc("POST /stop", s.stop)
	mux.HandleFunc("POST /mode/{mode}", s.setMode)
	mux.HandleFunc("POST /target/{axis}", s.setTarget)
	mux.HandleFunc("GET /refresh", s.refresh)
	mux.HandleFunc("GET /opcua", s.showTags)
	mux.HandleFunc("POST /adc/{index}", s.calibrate)
	mux.HandleFunc("GET /faults", s.listFaults)
	mux.HandleFunc("GET /runs", s.listRuns)
	return mux
}

// AttachAdminRoutes adds the trace chart and a TOML dump of the live
// configuration under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", fmt.Sprintf("%s (%s)", version.Version, version.GitSHA))
	debug.KVFunc("Control state", func() any {
		snap := s.ctrl.Snapshot()
		return snap.ControlState + " / " + snap.ControlMode
	})
	debug.KVFunc("Speed profile", func() any {
		return speedProfile(s.ctrl.Config())
	})
	debug.KVFunc("Telemetry", func() any {
		n := s.broadcaster.Observers()
		if snap, ok := s.broadcaster.Latest(); ok {
			return fmt.Sprintf("seq %d, %d observers", snap.Seq, n)
		}
		return fmt.Sprintf("no snapshot yet, %d observers", n)
	})
	debug.Handle("trace", "Recent position and target trace", s.broadcaster.TraceHandler())
	debug.HandleFunc("config.toml", "Current configuration as TOML", func(w http.ResponseWriter, r *http.Request) {
		data, err := s.ctrl.Config().EncodeTOML()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/toml")
		w.Write(data)
	})
}

// speedProfile renders the configured motion limits in physical units.
func speedProfile(c config.Config) string {
	return fmt.Sprintf("coax %.3f mm/s %.1f mm/s², cross %.3f mm/s %.1f mm/s²",
		units.VelocityToMMS(c.MaxSpeedCoax), units.AccelToMMS2(c.AccelCoax),
		units.VelocityToMMS(c.MaxSpeedCross), units.AccelToMMS2(c.AccelCross))
}

// writeCommandError maps control and config errors to status codes.
// Validation failures use the console's "field:reason" text form.
func writeCommandError(w http.ResponseWriter, err error) {
	var (
		ve  *config.ValidationError
		ise *control.InvalidStateError
		oor *control.OutOfRangeError
	)
	switch {
	case errors.As(err, &ve):
		httputil.WriteText(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &ise), errors.As(err, &oor):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, adc.ErrBadChannel):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, adc.ErrNoSample), errors.Is(err, adc.ErrStale):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, control.ErrNotRunning):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) writeState(w http.ResponseWriter) {
	httputil.WriteJSONOK(w, telemetry.NewStateMessage(s.ctrl.Snapshot()))
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.ctrl.Config())
}

func (s *Server) applyConfig(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid form: %v", err))
		return
	}
	cfg, err := s.ctrl.ApplyConfig(r.Context(), r.PostForm)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, cfg)
}

// start only reports precondition failures; hardware initialisation runs
// in the background and surfaces through telemetry.
func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	s.writeState(w)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop(r.Context())
	s.writeState(w)
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	mode, err := control.ParseMode(r.PathValue("mode"))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("unknown mode %q", r.PathValue("mode")))
		return
	}
	if err := s.ctrl.SetMode(r.Context(), mode); err != nil {
		writeCommandError(w, err)
		return
	}
	s.writeState(w)
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	axis := r.PathValue("axis")
	steps, err := strconv.Atoi(r.FormValue("steps"))
	if err != nil {
		httputil.WriteText(w, http.StatusBadRequest, "steps:must be an integer")
		return
	}
	accepted, err := s.ctrl.SetTarget(r.Context(), axis, steps)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"axis": axis, "target": accepted})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.writeState(w)
}

func (s *Server) showTags(w http.ResponseWriter, r *http.Request) {
	tags := s.mirror.Tags(r.Context(), s.ctrl.Snapshot(), s.ctrl.Config().OPCUABridgeURL)
	httputil.WriteJSONOK(w, tags)
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		httputil.BadRequest(w, "adc index must be 1 or 2")
		return
	}
	cal, err := s.ctrl.Calibrate(r.Context(), index)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	httputil.WriteJSONOK(w, cal)
}

func listLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	return n, nil
}

func (s *Server) listFaults(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	faults, err := s.history.Faults(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve faults: %v", err))
		return
	}
	httputil.WriteJSONOK(w, faults)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.history.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}
