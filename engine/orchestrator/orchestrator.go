// Package orchestrator is the sole mutator of session state. Each turn
// it classifies intent, extracts parameters, runs compatibility-
// constrained searches, advances the state machine, renders the reply,
// and persists the session atomically.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/torchline/configurator/engine/catalog"
	"github.com/torchline/configurator/engine/compose"
	"github.com/torchline/configurator/engine/domain"
	"github.com/torchline/configurator/engine/extract"
	"github.com/torchline/configurator/pkg/events"
	"github.com/torchline/configurator/pkg/metrics"
)

var tracer = otel.Tracer("engine/orchestrator")

// Catalog is the product repository port (C3).
type Catalog interface {
	LookupByName(ctx context.Context, category, rawName string) ([]domain.Product, error)
	Search(ctx context.Context, category string, bag *domain.ParameterBag, pred catalog.Predicate) (catalog.Results, error)
}

// Extractor is the parameter extraction port (C2).
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (*extract.Extraction, error)
	Apply(master *domain.MasterRecord, ex *extract.Extraction)
}

// SessionStore is the hot cache port (C6).
type SessionStore interface {
	Create(ctx context.Context, state *domain.SessionState) error
	Get(ctx context.Context, id string) (*domain.SessionState, error)
	Put(ctx context.Context, state *domain.SessionState) error
	Reset(ctx context.Context, id string) error
}

// Archiver receives terminal session snapshots, best-effort.
type Archiver interface {
	Put(ctx context.Context, state *domain.SessionState) error
}

// ApplicabilitySource resolves the per-power-source applicability (C1).
type ApplicabilitySource interface {
	Lookup(powerSourceGIN string) *domain.Applicability
}

// Publisher emits lifecycle events, best-effort.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// IDSource mints new session identifiers.
type IDSource func() string

// Options are the orchestrator's tunables, all deployment-time
// configuration.
type Options struct {
	MinRealComponents    int
	TurnDeadline         time.Duration
	AutoCommitConfidence float64
	ConfirmConfidence    float64
	ProactiveLimit       int
	AccessoryLimit       int
	HistoryWindow        int
}

// DefaultOptions returns the documented defaults: only the power source
// is required to finalize.
func DefaultOptions() Options {
	return Options{
		MinRealComponents:    1,
		TurnDeadline:         30 * time.Second,
		AutoCommitConfidence: 0.8,
		ConfirmConfidence:    0.5,
		ProactiveLimit:       3,
		AccessoryLimit:       10,
		HistoryWindow:        6,
	}
}

// Orchestrator wires C1..C7 behind the turn handler.
type Orchestrator struct {
	extractor Extractor
	catalog   Catalog
	store     SessionStore
	archive   Archiver
	applic    ApplicabilitySource
	bus       Publisher
	opts      Options
	logger    *slog.Logger
	newID     IDSource

	turns        *metrics.Counter
	extractFails *metrics.Counter
	repoFails    *metrics.Counter
	integrity    *metrics.Counter
	completed    *metrics.Counter
	turnSeconds  *metrics.Histogram
}

// New creates an Orchestrator. The publisher and archiver may be nil;
// both are best-effort collaborators.
func New(
	extractor Extractor,
	cat Catalog,
	store SessionStore,
	archive Archiver,
	applic ApplicabilitySource,
	bus Publisher,
	reg *metrics.Registry,
	opts Options,
	logger *slog.Logger,
	newID IDSource,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if opts.TurnDeadline <= 0 {
		opts.TurnDeadline = DefaultOptions().TurnDeadline
	}
	if opts.MinRealComponents <= 0 {
		opts.MinRealComponents = 1
	}
	if opts.ProactiveLimit <= 0 {
		opts.ProactiveLimit = 3
	}
	if opts.AccessoryLimit <= 0 {
		opts.AccessoryLimit = 10
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 6
	}
	if opts.AutoCommitConfidence <= 0 {
		opts.AutoCommitConfidence = DefaultOptions().AutoCommitConfidence
	}
	if opts.ConfirmConfidence <= 0 {
		opts.ConfirmConfidence = DefaultOptions().ConfirmConfidence
	}
	return &Orchestrator{
		extractor:    extractor,
		catalog:      cat,
		store:        store,
		archive:      archive,
		applic:       applic,
		bus:          bus,
		opts:         opts,
		logger:       logger,
		newID:        newID,
		turns:        reg.Counter("configurator_turns_total"),
		extractFails: reg.Counter("configurator_extraction_failures_total"),
		repoFails:    reg.Counter("configurator_repository_failures_total"),
		integrity:    reg.Counter("configurator_integrity_violations_total"),
		completed:    reg.Counter("configurator_sessions_completed_total"),
		turnSeconds:  reg.Histogram("configurator_turn_seconds"),
	}
}

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	SessionID string
	Message   string
	Language  string
	Reset     bool
}

// OptionView is one presented product option.
type OptionView struct {
	Rank        int    `json:"rank"`
	GIN         string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TurnResponse is the outcome of one turn. On completion it carries the
// structured finalization summary, which exposes only identifier, name,
// and description per selected entry.
type TurnResponse struct {
	SessionID string               `json:"session_id"`
	State     domain.State         `json:"current_state"`
	Message   string               `json:"message"`
	Options   []OptionView         `json:"options,omitempty"`
	Cart      *domain.Cart         `json:"cart"`
	Master    *domain.MasterRecord `json:"master"`
	Completed bool                 `json:"completed"`

	FinalizationSummary []compose.SummaryEntry `json:"finalization_summary,omitempty"`
}

// Snapshot returns the current session without mutating it.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*domain.SessionState, error) {
	return o.store.Get(ctx, id)
}

// cloneSession deep-copies a session so a failed turn never persists
// partial mutations: either the whole turn commits or nothing changes.
func cloneSession(s *domain.SessionState) (*domain.SessionState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out domain.SessionState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// checkInvariants verifies the session before persisting. A breach
// aborts the turn as an integrity violation.
func (o *Orchestrator) checkInvariants(sess *domain.SessionState) error {
	if sess.Cart.Entry(domain.KindPowerSource).Status == domain.StatusSkipped {
		return &domain.IntegrityError{Op: "persist", Detail: "power source marked skipped"}
	}
	for k, e := range sess.Cart.Entries {
		if e.Status == domain.StatusNotApplicable && sess.Applicability.Applies(k) {
			return &domain.IntegrityError{Op: "persist", Detail: "not-applicable entry for applicable kind " + string(k)}
		}
	}
	if !sess.Completed && !stateActive(sess.CurrentState, sess.Applicability) {
		return &domain.IntegrityError{Op: "persist", Detail: "current state off the active path: " + string(sess.CurrentState)}
	}
	return nil
}

func (o *Orchestrator) respond(sess *domain.SessionState, message string) TurnResponse {
	resp := TurnResponse{
		SessionID: sess.SessionID,
		State:     sess.CurrentState,
		Message:   message,
		Cart:      sess.Cart,
		Master:    sess.Master,
		Completed: sess.Completed,
	}
	for i, p := range sess.PendingOptions {
		resp.Options = append(resp.Options, OptionView{
			Rank: i + 1, GIN: p.GIN, Name: p.Name, Description: p.Description,
		})
	}
	if sess.Completed {
		resp.FinalizationSummary = compose.FinalizationSummary(sess.Cart)
	}
	return resp
}

func (o *Orchestrator) emitTurn(ctx context.Context, sess *domain.SessionState, it intent) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, events.SubjectTurn, events.TurnEvent{
		SessionID: sess.SessionID,
		State:     string(sess.CurrentState),
		Intent:    string(it),
		Completed: sess.Completed,
	})
}
