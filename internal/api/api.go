// Package api exposes the scheduling entry point: a request naming VM SKUs
// and counts becomes one create message per VM, spread over the jitter
// window and handed to the create-queue dispatcher.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/octane/internal/broker"
	"github.com/terrpan/octane/internal/document"
	"github.com/terrpan/octane/internal/jitter"
	"github.com/terrpan/octane/internal/pipeline"
)

// Error codes returned in the JSON error body.
const (
	CodeInvalidJSON    = "InvalidJson"
	CodeDispatchFailed = "DispatchFailed"
)

// DefaultNamePrefix is prepended to the random part of every VM name.
const DefaultNamePrefix = "octane-"

const (
	nameSuffixLen  = 5
	maxRequestBody = 1 << 20
)

// MaxVirtualMachines caps the total count a single request may ask for.
const MaxVirtualMachines = 10000

// Dispatcher sends create messages.  *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []broker.Message) error
}

// Entry asks for Count VMs of one SKU.
type Entry struct {
	Sku   string
	Count uint64
}

// Config holds the Scheduler's collaborators.
type Config struct {
	Dispatcher Dispatcher

	// Jitter draws enqueue times.  Default: jitter.New().
	Jitter *jitter.Generator

	// Window is the span create messages are spread over.  Zero enqueues
	// everything immediately.
	Window time.Duration

	// NamePrefix defaults to DefaultNamePrefix.
	NamePrefix string

	Logger *slog.Logger

	// NewID overrides uuid.NewString for names and correlation ids.
	NewID func() string
}

// Scheduler turns scheduling requests into create messages.
type Scheduler struct {
	dispatcher Dispatcher
	jitter     *jitter.Generator
	window     time.Duration
	prefix     string
	logger     *slog.Logger
	newID      func() string

	tracer    trace.Tracer
	scheduled metric.Int64Counter
}

// Scheduled reports one VM that was enqueued.
type Scheduled struct {
	Name          string
	Sku           string
	CorrelationID string
	EnqueueAt     time.Time
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Jitter == nil {
		cfg.Jitter = jitter.New()
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	s := &Scheduler{
		dispatcher: cfg.Dispatcher,
		jitter:     cfg.Jitter,
		window:     cfg.Window,
		prefix:     cfg.NamePrefix,
		logger:     cfg.Logger,
		newID:      cfg.NewID,
		tracer:     otel.Tracer("octane/api"),
	}

	var err error
	s.scheduled, err = otel.Meter("octane/api").Int64Counter(
		"octane.vms.scheduled",
		metric.WithDescription("VMs enqueued for creation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create scheduled counter", slog.String("error", err.Error()))
	}

	return s
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// DecodeJobs parses a {"virtualMachines":[{"sku","count"}]} body.  Entries
// sharing a SKU are merged and their counts summed; the result keeps the
// order in which each SKU first appeared.
func DecodeJobs(body []byte) ([]Entry, error) {
	obj, err := document.Parse(body)
	if err != nil {
		return nil, err
	}
	items, err := obj.Objects("virtualMachines")
	if err != nil {
		return nil, err
	}

	var (
		entries []Entry
		total   uint64
	)
	index := make(map[string]int)
	for _, item := range items {
		r := document.NewReader(item)
		sku := document.Read(r, "sku", document.NonEmptyString)
		count := document.Read(r, "count", document.Uint)
		if err := r.Err(); err != nil {
			return nil, err
		}
		if count > MaxVirtualMachines-total {
			return nil, &document.Error{
				Path: "virtualMachines",
				Err:  fmt.Errorf("%w: more than %d virtual machines requested", document.ErrInvalid, MaxVirtualMachines),
			}
		}
		total += count
		if i, ok := index[sku]; ok {
			entries[i].Count += count
			continue
		}
		index[sku] = len(entries)
		entries = append(entries, Entry{Sku: sku, Count: count})
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Schedule names one VM per requested unit, spreads them over the window
// and dispatches their create messages.  On error some batches may
// already have been sent.
func (s *Scheduler) Schedule(ctx context.Context, entries []Entry) ([]Scheduled, error) {
	ctx, span := s.tracer.Start(ctx, "api.Schedule")
	defer span.End()

	var reqs []pipeline.CreateRequest
	seen := make(map[string]bool)
	for _, e := range entries {
		for range e.Count {
			name := s.name(seen)
			reqs = append(reqs, pipeline.CreateRequest{Name: name, Sku: e.Sku})
		}
	}
	span.SetAttributes(attribute.Int("api.vms", len(reqs)))
	if len(reqs) == 0 {
		return nil, nil
	}

	spread := jitter.Spread(s.jitter, reqs, s.window)
	msgs := make([]broker.Message, 0, len(spread))
	out := make([]Scheduled, 0, len(spread))
	for _, item := range spread {
		corr := s.newID()
		msg, err := pipeline.NewMessage(item.Item, corr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		msg.EnqueueAt = item.EnqueueAt
		msgs = append(msgs, msg)
		out = append(out, Scheduled{
			Name:          item.Item.Name,
			Sku:           item.Item.Sku,
			CorrelationID: corr,
			EnqueueAt:     item.EnqueueAt,
		})
	}

	if err := s.dispatcher.Dispatch(ctx, msgs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dispatch create messages: %w", err)
	}

	if s.scheduled != nil {
		s.scheduled.Add(ctx, int64(len(out)))
	}
	for _, vm := range out {
		s.logger.Info("vm scheduled",
			slog.String("vm", vm.Name),
			slog.String("sku", vm.Sku),
			slog.String("correlationId", vm.CorrelationID),
			slog.Time("enqueueAt", vm.EnqueueAt),
		)
	}
	return out, nil
}

// name returns a prefix plus five hex characters not already in seen.
func (s *Scheduler) name(seen map[string]bool) string {
	for {
		id := strings.ReplaceAll(s.newID(), "-", "")
		if len(id) < nameSuffixLen {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		name := s.prefix + strings.ToLower(id[:nameSuffixLen])
		if !seen[name] {
			seen[name] = true
			return name
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeHTTP handles POST /api/jobs.
func (s *Scheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, fmt.Sprintf("read body: %v", err))
		return
	}
	s.logger.Info("schedule request received", slog.String("payload", string(body)))

	entries, err := DecodeJobs(body)
	if err != nil {
		s.logger.Warn("rejecting schedule request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, err.Error())
		return
	}

	if _, err := s.Schedule(r.Context(), entries); err != nil {
		s.logger.Error("failed to schedule vms", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, CodeDispatchFailed, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}

// NewMux routes the scheduler, the liveness probe and, when non-nil, the
// metrics handler.
func NewMux(s *Scheduler, healthz, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /api/jobs", s)
	mux.Handle("GET /healthz", healthz)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

// ListenAndServe runs srv until ctx is cancelled, then shuts it down
// within grace.
func ListenAndServe(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
