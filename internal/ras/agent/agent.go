// Package agent answers firmware queries about which RAS sources hold
// unconsumed errors.
package agent

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/metrics"
	"github.com/tinyrange/rasemu/internal/ras/registry"
)

// Version is reported by ServiceGetAgentVersion.
const Version = 1

// MaxPendingVectors is the capacity of the pending vector list in a sync
// response.
const MaxPendingVectors = 16

// Firmware status codes.
const (
	StatusSuccess        int32 = 0
	StatusFailed         int32 = -1
	StatusNotSupported   int32 = -2
	StatusInvalidParam   int32 = -3
	StatusDenied         int32 = -4
	StatusNotInitialized int32 = -6
)

var ErrInvalidHart = errors.New("agent: invalid hart")

// Reporter records a confirmed error. It is the sink every delivered error
// is forwarded to.
type Reporter interface {
	ReportError(id registry.ComponentID, addr uint64) error
}

// RecordReporter is a Reporter that also accepts the full error record. The
// agent prefers ReportRecord when the sink implements it.
type RecordReporter interface {
	Reporter
	ReportRecord(id registry.ComponentID, rec ras.ErrorRecord) error
}

// SyncResponse is the result of one synchronize-errors call.
type SyncResponse struct {
	Status      int32
	Returned    uint32
	Remaining   uint32
	PendingVecs []registry.Vector
}

// Agent walks a registry on behalf of firmware.
type Agent struct {
	reg      *registry.Registry
	reporter Reporter
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithMetrics sets the agent's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// New returns an agent over reg that forwards errors to reporter.
func New(reg *registry.Registry, reporter Reporter, opts ...Option) *Agent {
	a := &Agent{
		reg:      reg,
		reporter: reporter,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "ras-agent")
	return a
}

// SynchronizeErrors reports the first source, in registration order, that
// holds a valid record. At most one record is delivered per call and nothing
// is consumed: the record stays valid until firmware clears it through the
// bank's clear-status register.
//
// The returned error mirrors a negative Status and is nil on success.
func (a *Agent) SynchronizeErrors(hart int) (SyncResponse, error) {
	if hart < 0 {
		a.metrics.SyncCall("failed")
		return SyncResponse{Status: StatusInvalidParam}, fmt.Errorf("%w: %d", ErrInvalidHart, hart)
	}

	sources, err := a.reg.All()
	if err != nil {
		a.metrics.SyncCall("failed")
		return SyncResponse{Status: StatusNotInitialized}, err
	}

	for _, src := range sources {
		rec, record, ok := src.Bank.PendingRecord()
		if !ok {
			continue
		}

		if err := a.report(src.ID, record); err != nil {
			a.log.Warn("ras: reporting sink failed", "source", src.ID, "err", err)
			a.metrics.SyncCall("failed")
			return SyncResponse{Status: StatusFailed}, fmt.Errorf("agent: report %s: %w", src.ID, err)
		}

		a.log.Debug("ras: error delivered",
			"hart", hart,
			"source", src.ID,
			"vector", src.Vector,
			"record", rec,
			"addr", fmt.Sprintf("0x%x", record.Address))
		a.metrics.SyncCall("delivered")
		a.metrics.ErrorReported(src.ID.String())
		return SyncResponse{
			Status:      StatusSuccess,
			Returned:    1,
			PendingVecs: []registry.Vector{src.Vector},
		}, nil
	}

	a.metrics.SyncCall("empty")
	return SyncResponse{Status: StatusSuccess}, nil
}

func (a *Agent) report(id registry.ComponentID, rec ras.ErrorRecord) error {
	if rr, ok := a.reporter.(RecordReporter); ok {
		return rr.ReportRecord(id, rec)
	}
	return a.reporter.ReportError(id, rec.Address)
}
