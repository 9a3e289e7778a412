// Package server exposes a Machine over HTTP: metrics, error injection and
// the firmware calls, for driving the emulator from outside the guest.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/platform"
	"github.com/tinyrange/rasemu/internal/ras/agent"
	"github.com/tinyrange/rasemu/internal/ras/registry"
)

const DefaultShutdownTimeout = 5 * time.Second

// InjectRequest is the body of POST /inject.
type InjectRequest struct {
	Device   string `json:"device"`
	Record   int    `json:"record"`
	Severity string `json:"severity"`
	Address  uint64 `json:"address"`
	Info     uint64 `json:"info"`
}

// ClearRequest is the body of POST /clear.
type ClearRequest struct {
	Device string `json:"device"`
	Mask   uint64 `json:"mask"`
}

// SyncResult is the body returned by POST /sync.
type SyncResult struct {
	Status      int32             `json:"status"`
	Returned    uint32            `json:"returned"`
	Remaining   uint32            `json:"remaining"`
	PendingVecs []registry.Vector `json:"pendingVecs"`
	Error       string            `json:"error,omitempty"`
}

// LogEntry is one element of GET /log. CPER holds the encoded Generic Error
// Status Block.
type LogEntry struct {
	Seq       uint64    `json:"seq"`
	Component string    `json:"component"`
	Address   string    `json:"address"`
	Severity  string    `json:"severity"`
	Time      time.Time `json:"time"`
	CPER      []byte    `json:"cper"`
}

// DeviceState is one element of GET /devices.
type DeviceState struct {
	Name         string `json:"name"`
	Hart         int    `json:"hart"`
	State        string `json:"state"`
	LastFired    string `json:"lastFired"`
	Ticks        uint64 `json:"ticks"`
	ValidRecords []int  `json:"validRecords"`
}

// Server serves one machine.
type Server struct {
	machine         *platform.Machine
	gatherer        prometheus.Gatherer
	mux             *http.ServeMux
	log             *slog.Logger
	shutdownTimeout time.Duration
}

// New returns a server for m. gatherer backs /metrics; nil disables it.
func New(m *platform.Machine, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		machine:         m,
		gatherer:        gatherer,
		mux:             http.NewServeMux(),
		log:             logger,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	s.registerRoutes()
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.log.Info("server: listening", "addr", l.Addr().String())
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) registerRoutes() {
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("POST /inject", s.injectHandler)
	s.mux.HandleFunc("POST /clear", s.clearHandler)
	s.mux.HandleFunc("POST /sync", s.syncHandler)
	s.mux.HandleFunc("POST /agent", s.agentHandler)
	s.mux.HandleFunc("GET /log", s.logHandler)
	s.mux.HandleFunc("GET /log/{seq}/cper", s.cperHandler)
	s.mux.HandleFunc("GET /devices", s.devicesHandler)
	s.mux.HandleFunc("GET /dtb", s.dtbHandler)
}

func (s *Server) injectHandler(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	sev, err := ras.ParseSeverity(req.Severity)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.machine.Inject(req.Device, req.Record, sev, req.Address, req.Info); err != nil {
		httpError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.machine.Clear(req.Device, req.Mask); err != nil {
		httpError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	hart, err := queryInt(r, "hart", 0)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.machine.SynchronizeErrors(hart)
	out := syncResult(resp)
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// agentHandler issues one firmware service call and returns the raw
// little-endian response message.
func (s *Server) agentHandler(w http.ResponseWriter, r *http.Request) {
	service, err := queryInt(r, "service", int(agent.ServiceSyncErrors))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	hart, err := queryInt(r, "hart", 0)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	msg := s.machine.Agent().Handle(agent.ServiceID(service), hart)
	s.log.Debug("server: agent call", "service", agent.ServiceID(service), "hart", hart, "bytes", len(msg))
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(msg)
}

func (s *Server) logHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.machine.Log().Entries()
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEntry{
			Seq:       e.Seq,
			Component: e.Component.String(),
			Address:   fmt.Sprintf("0x%x", e.Address),
			Severity:  e.Severity.String(),
			Time:      e.Time,
			CPER:      e.Block(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cperHandler(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("seq: %w", err))
		return
	}
	e, err := s.machine.Log().Entry(seq)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(e.Block())
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	devs := s.machine.Devices()
	out := make([]DeviceState, 0, len(devs))
	for _, d := range devs {
		st := DeviceState{
			Name:         d.Name(),
			Hart:         d.HartID(),
			State:        d.Scheduler().State().String(),
			LastFired:    d.Scheduler().LastFired().String(),
			Ticks:        d.Scheduler().Ticks(),
			ValidRecords: []int{},
		}
		for i := 0; i < d.NumRecords(); i++ {
			if rec, err := d.Record(i); err == nil && rec.Valid() {
				st.ValidRecords = append(st.ValidRecords, i)
			}
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) dtbHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := s.machine.DeviceTree()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

func syncResult(r agent.SyncResponse) SyncResult {
	vecs := r.PendingVecs
	if vecs == nil {
		vecs = []registry.Vector{}
	}
	return SyncResult{
		Status:      r.Status,
		Returned:    r.Returned,
		Remaining:   r.Remaining,
		PendingVecs: vecs,
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int(n), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, platform.ErrNoSuchDevice):
		return http.StatusNotFound
	case errors.Is(err, ras.ErrRecordOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
