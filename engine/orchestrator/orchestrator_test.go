package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/torchline/configurator/engine/catalog"
	"github.com/torchline/configurator/engine/compose"
	"github.com/torchline/configurator/engine/domain"
	"github.com/torchline/configurator/engine/extract"
	"github.com/torchline/configurator/pkg/metrics"
)

func composerFor(s *domain.SessionState) *compose.Composer {
	return compose.ForLanguage(s.Language)
}

func timeNow() time.Time { return time.Now().UTC() }

// --- fakes ---

type fakeExtractor struct {
	queue []*extract.Extraction
	err   error
	calls int
}

func (f *fakeExtractor) Extract(context.Context, extract.Input) (*extract.Extraction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) == 0 {
		return &extract.Extraction{}, nil
	}
	ex := f.queue[0]
	f.queue = f.queue[1:]
	return ex, nil
}

func (f *fakeExtractor) Apply(master *domain.MasterRecord, ex *extract.Extraction) {
	master.MergeUpdates(ex.Updates)
	for kind, mention := range ex.DirectProductMentions {
		master.Bag(kind).ProductMention = mention
	}
}

type searchCall struct {
	category string
	anchors  []string
	terms    int
}

type fakeCatalog struct {
	byName   map[string][]domain.Product
	searches map[string]catalog.Results
	calls    []searchCall
	err      error
}

func (f *fakeCatalog) LookupByName(_ context.Context, category, rawName string) ([]domain.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byName[category+"|"+rawName], nil
}

func (f *fakeCatalog) Search(_ context.Context, category string, bag *domain.ParameterBag, pred catalog.Predicate) (catalog.Results, error) {
	if f.err != nil {
		return catalog.Results{}, f.err
	}
	var anchors []string
	for _, a := range pred.Anchors {
		anchors = append(anchors, a.GIN)
	}
	f.calls = append(f.calls, searchCall{category: category, anchors: anchors, terms: len(bag.Attributes)})
	return f.searches[category], nil
}

type memStore struct {
	data   map[string]*domain.SessionState
	puts   int
	resets int
}

func newMemStore() *memStore { return &memStore{data: map[string]*domain.SessionState{}} }

func (m *memStore) Create(_ context.Context, s *domain.SessionState) error {
	m.data[s.SessionID] = s
	m.puts++
	return nil
}

func (m *memStore) Put(_ context.Context, s *domain.SessionState) error {
	m.data[s.SessionID] = s
	m.puts++
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.SessionState, error) {
	s, ok := m.data[id]
	if !ok {
		return nil, domain.ErrSessionExpired
	}
	return s, nil
}

func (m *memStore) Reset(_ context.Context, id string) error {
	delete(m.data, id)
	m.resets++
	return nil
}

type fakeArchive struct {
	puts []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, s *domain.SessionState) error {
	f.puts = append(f.puts, s.SessionID)
	return f.err
}

type fakeApplic struct {
	byGIN map[string]*domain.Applicability
}

func (f *fakeApplic) Lookup(gin string) *domain.Applicability {
	if a, ok := f.byGIN[gin]; ok {
		clone := *a
		return &clone
	}
	return domain.DefaultApplicability()
}

type fakeBus struct {
	subjects []string
}

func (f *fakeBus) Publish(_ context.Context, subject string, _ any) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

// --- harness ---

type fixture struct {
	orch    *Orchestrator
	extract *fakeExtractor
	catalog *fakeCatalog
	store   *memStore
	archive *fakeArchive
	bus     *fakeBus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fx := &fixture{
		extract: &fakeExtractor{},
		catalog: &fakeCatalog{byName: map[string][]domain.Product{}, searches: map[string]catalog.Results{}},
		store:   newMemStore(),
		archive: &fakeArchive{},
		bus:     &fakeBus{},
	}
	ids := 0
	fx.orch = New(
		fx.extract, fx.catalog, fx.store, fx.archive,
		&fakeApplic{byGIN: map[string]*domain.Applicability{
			"compact-ps": {Torch: true, Accessories: true},
		}},
		fx.bus,
		metrics.NewRegistry(),
		opts,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func() string { ids++; return fmt.Sprintf("sess-%d", ids) },
	)
	return fx
}

func (fx *fixture) turn(t *testing.T, id, msg string) TurnResponse {
	t.Helper()
	resp, err := fx.orch.Turn(context.Background(), TurnRequest{SessionID: id, Message: msg})
	if err != nil {
		t.Fatalf("turn %q: %v", msg, err)
	}
	return resp
}

func psExtraction() *extract.Extraction {
	return &extract.Extraction{
		Updates: map[domain.Kind]map[string]string{
			domain.KindPowerSource: {domain.AttrCurrent: "500 A", domain.AttrProcess: "MIG (GMAW)"},
		},
		Confidence: map[domain.Kind]float64{domain.KindPowerSource: 0.9},
	}
}

var (
	ps1 = domain.Product{GIN: "ps1", Name: "Arc 500", Category: "PowerSource", Available: true}
	ps2 = domain.Product{GIN: "ps2", Name: "Arc 300", Category: "PowerSource", Available: true}
	f1  = domain.Product{GIN: "f1", Name: "Feed 300", Category: "Feeder", Available: true}
)

// --- scenarios ---

func TestScenarioFullPath(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1, ps2}}
	fx.catalog.searches["Feeder"] = catalog.Results{Products: []domain.Product{f1}}

	// Turn 1: requirements extracted, options presented, still S1.
	resp := fx.turn(t, "", "I need 500 amps for MIG welding")
	if resp.State != domain.StatePowerSource {
		t.Fatalf("state = %s, want S1", resp.State)
	}
	if len(resp.Options) != 2 {
		t.Fatalf("options = %d, want 2", len(resp.Options))
	}
	if got, _ := resp.Master.Bag(domain.KindPowerSource).Get(domain.AttrCurrent); got != "500 A" {
		t.Errorf("master current = %q", got)
	}
	id := resp.SessionID

	// Turn 2: numbered selection commits and advances to S2 with
	// proactive feeder options.
	resp = fx.turn(t, id, "1")
	if resp.State != domain.StateFeeder {
		t.Fatalf("state = %s, want feeder_selection", resp.State)
	}
	if resp.Cart.Selected(domain.KindPowerSource).GIN != "ps1" {
		t.Error("power source not committed")
	}
	if len(resp.Options) != 1 || resp.Options[0].GIN != "f1" {
		t.Errorf("proactive feeder options = %+v", resp.Options)
	}

	// The feeder search must anchor on the selected power source.
	last := fx.catalog.calls[len(fx.catalog.calls)-1]
	if last.category != "Feeder" || len(last.anchors) != 1 || last.anchors[0] != "ps1" {
		t.Errorf("feeder search call = %+v", last)
	}

	// Turn 3: a bare yes on a single pending option commits it.
	resp = fx.turn(t, id, "yes")
	if resp.Cart.Selected(domain.KindFeeder).GIN != "f1" {
		t.Error("feeder not committed")
	}
	if resp.State != domain.StateCooler {
		t.Fatalf("state = %s, want cooler_selection", resp.State)
	}

	// Skip through the middle states.
	resp = fx.turn(t, id, "skip") // cooler
	resp = fx.turn(t, id, "skip") // interconnector
	resp = fx.turn(t, id, "skip") // torch
	if resp.State != domain.StateAccessories {
		t.Fatalf("state = %s, want accessories_selection", resp.State)
	}

	// Done moves to finalize; confirm completes and archives.
	resp = fx.turn(t, id, "done")
	if resp.State != domain.StateFinalize || resp.Completed {
		t.Fatalf("state = %s completed = %v", resp.State, resp.Completed)
	}
	resp = fx.turn(t, id, "confirm")
	if !resp.Completed {
		t.Fatal("session should be completed")
	}
	if resp.Cart.RealCount() < 1 {
		t.Error("completed cart must hold at least one selection")
	}
	// Completion carries the structured summary: id, name, description
	// only, single-valued kinds in state order.
	if len(resp.FinalizationSummary) != 2 {
		t.Fatalf("finalization summary = %+v, want 2 entries", resp.FinalizationSummary)
	}
	if resp.FinalizationSummary[0].GIN != "ps1" || resp.FinalizationSummary[1].GIN != "f1" {
		t.Errorf("summary order = %+v", resp.FinalizationSummary)
	}
	if len(fx.archive.puts) != 1 {
		t.Errorf("archive puts = %v, want one", fx.archive.puts)
	}
	found := false
	for _, s := range fx.bus.subjects {
		if s == "configurator.session.completed" {
			found = true
		}
	}
	if !found {
		t.Error("completed event not published")
	}
}

func TestScenarioMinimalPathViaApplicability(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{{
		DirectProductMentions: map[domain.Kind]string{domain.KindPowerSource: "Compact Arc"},
		Confidence:            map[domain.Kind]float64{domain.KindPowerSource: 0.95},
	}}
	compact := domain.Product{GIN: "compact-ps", Name: "Compact Arc", Category: "PowerSource", Available: true}
	fx.catalog.byName["PowerSource|Compact Arc"] = []domain.Product{compact}

	resp := fx.turn(t, "", "give me the Compact Arc")
	if resp.Cart.Selected(domain.KindPowerSource) == nil {
		t.Fatal("explicit single-match mention should auto-commit")
	}
	for _, k := range []domain.Kind{domain.KindFeeder, domain.KindCooler, domain.KindInterconnector} {
		if resp.Cart.Entry(k).Status != domain.StatusNotApplicable {
			t.Errorf("%s should be NotApplicable", k)
		}
	}
	if resp.State != domain.StateTorch {
		t.Errorf("state = %s, want torch_selection (feeder/cooler/interconnector inactive)", resp.State)
	}
}

func TestScenarioOverrideThenReplaceCascades(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1, ps2}}
	fx.catalog.searches["Feeder"] = catalog.Results{Products: []domain.Product{f1}}

	resp := fx.turn(t, "", "500 amps MIG")
	id := resp.SessionID
	fx.turn(t, id, "1")     // commit ps1, state S2
	fx.turn(t, id, "yes")   // commit f1, state S3

	// Master-level override: no cascade, master overwritten. The turn
	// searches only the current state's kind (cooler, whose bag is empty),
	// so the power-source search is not re-run here.
	fx.extract.queue = []*extract.Extraction{{
		Updates: map[domain.Kind]map[string]string{
			domain.KindPowerSource: {domain.AttrCurrent: "300 A"},
		},
	}}
	resp = fx.turn(t, id, "actually make it 300 amps")
	if got, _ := resp.Master.Bag(domain.KindPowerSource).Get(domain.AttrCurrent); got != "300 A" {
		t.Errorf("master current = %q, want 300 A", got)
	}
	if resp.Cart.Selected(domain.KindFeeder) == nil {
		t.Error("master-level change must not cascade")
	}
	if resp.Cart.Selected(domain.KindPowerSource).GIN != "ps1" {
		t.Error("selection must survive a master-level change")
	}

	// An actual replacement of the Selected power source cascades.
	sess, _ := fx.store.Get(context.Background(), id)
	clone, _ := cloneSession(sess)
	composerMsg, err := fx.orch.commitSelection(context.Background(), clone, composerFor(clone), domain.KindPowerSource, ps2)
	if err != nil {
		t.Fatalf("commit replacement: %v", err)
	}
	if clone.Cart.Selected(domain.KindPowerSource).GIN != "ps2" {
		t.Error("replacement not applied")
	}
	if clone.Cart.Entry(domain.KindFeeder).Status != domain.StatusUnset {
		t.Error("cascade should clear the feeder selection")
	}
	if !clone.Master.Bag(domain.KindFeeder).Empty() {
		t.Error("cascade should zero the feeder bag")
	}
	if clone.CurrentState != domain.StateFeeder {
		t.Errorf("state = %s, want feeder_selection after cascade", clone.CurrentState)
	}
	if composerMsg == "" {
		t.Error("replacement should produce a confirmation")
	}
}

func TestScenarioSkipRejectedAtS1(t *testing.T) {
	fx := newFixture(t, DefaultOptions())

	resp := fx.turn(t, "", "skip")
	if resp.State != domain.StatePowerSource {
		t.Errorf("state = %s, must stay S1", resp.State)
	}
	if !strings.Contains(resp.Message, "required") {
		t.Errorf("message = %q, want mandatory prompt", resp.Message)
	}
	if resp.Cart.Entry(domain.KindPowerSource).Status != domain.StatusUnset {
		t.Error("power source slot must stay unset")
	}
	if fx.extract.calls != 0 {
		t.Error("explicit skip must be recognized before extraction")
	}
}

func TestScenarioThresholdBlock(t *testing.T) {
	opts := DefaultOptions()
	opts.MinRealComponents = 3
	fx := newFixture(t, opts)
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1}}

	resp := fx.turn(t, "", "500 amps MIG")
	id := resp.SessionID
	fx.turn(t, id, "yes") // commit the single option

	resp = fx.turn(t, id, "done")
	if resp.Completed {
		t.Fatal("must not complete below threshold")
	}
	if !strings.Contains(resp.Message, "3") {
		t.Errorf("message = %q, want threshold notice", resp.Message)
	}
	if resp.State == domain.StateFinalize {
		t.Errorf("state = %s, should return to an uncommitted state", resp.State)
	}
	if len(fx.archive.puts) != 0 {
		t.Error("nothing may be archived below threshold")
	}
}

func TestScenarioCacheExpiry(t *testing.T) {
	fx := newFixture(t, DefaultOptions())

	resp := fx.turn(t, "long-gone", "hello again")
	if resp.SessionID != "long-gone" {
		t.Errorf("session id = %q, should be reused", resp.SessionID)
	}
	if !strings.Contains(resp.Message, "expired") {
		t.Errorf("message = %q, want expiry notice", resp.Message)
	}
	if resp.Cart.RealCount() != 0 || resp.State != domain.StatePowerSource {
		t.Error("no prior state may carry over")
	}
}

// --- error recovery ---

func TestExtractionErrorLeavesStateUntouched(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1, ps2}}

	resp := fx.turn(t, "", "500 amps MIG")
	id := resp.SessionID

	fx.extract.err = fmt.Errorf("llm down: %w", domain.ErrExtraction)
	resp = fx.turn(t, id, "portable please")
	if !strings.Contains(resp.Message, "restate") {
		t.Errorf("message = %q, want fallback prompt", resp.Message)
	}
	if _, ok := resp.Master.Bag(domain.KindPowerSource).Get(domain.AttrPortability); ok {
		t.Error("master must not change on extraction failure")
	}
	if resp.State != domain.StatePowerSource {
		t.Error("state must not change on extraction failure")
	}
	// The failed turn still lands in the conversation log.
	sess, _ := fx.store.Get(context.Background(), id)
	lastUser := ""
	for _, m := range sess.Log {
		if m.Role == "user" {
			lastUser = m.Text
		}
	}
	if lastUser != "portable please" {
		t.Errorf("log tail = %q", lastUser)
	}
	if sess.TurnErrors != 1 {
		t.Errorf("turn errors = %d, want 1 (archive error flag input)", sess.TurnErrors)
	}
}

func TestRepositoryErrorLeavesStateUntouched(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.err = fmt.Errorf("neo4j gone: %w", domain.ErrRepository)

	resp := fx.turn(t, "", "500 amps MIG")
	if !strings.Contains(resp.Message, "unavailable") {
		t.Errorf("message = %q, want unavailable prompt", resp.Message)
	}
	if _, ok := resp.Master.Bag(domain.KindPowerSource).Get(domain.AttrCurrent); ok {
		t.Error("master mutations must roll back on repository failure")
	}
}

func TestClarificationOnlyLogs(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{{
		NeedsClarification:    true,
		ClarificationQuestion: "Which welding process do you use?",
	}}

	resp := fx.turn(t, "", "I want to weld stuff")
	if resp.Message != "Which welding process do you use?" {
		t.Errorf("message = %q", resp.Message)
	}
	if !resp.Master.Bag(domain.KindPowerSource).Empty() {
		t.Error("clarification must not mutate the master record")
	}
}

// --- boundary properties ---

func TestSearchNotInvokedWithoutParameters(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{{}}

	resp := fx.turn(t, "", "hello there")
	if len(fx.catalog.calls) != 0 {
		t.Errorf("search calls = %d, want none without parameters", len(fx.catalog.calls))
	}
	if !strings.Contains(resp.Message, "power source") {
		t.Errorf("message = %q, want prompt", resp.Message)
	}
}

func TestConfirmTwiceDoesNotDoubleCommit(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction(), {}}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1}}

	resp := fx.turn(t, "", "500 amps MIG")
	id := resp.SessionID
	resp = fx.turn(t, id, "yes")
	if resp.Cart.Selected(domain.KindPowerSource) == nil {
		t.Fatal("first yes should commit")
	}
	state := resp.State

	resp = fx.turn(t, id, "yes")
	if resp.Cart.Selected(domain.KindPowerSource).GIN != "ps1" {
		t.Error("second yes must not change the selection")
	}
	if resp.State != state {
		t.Errorf("state moved from %s to %s on a repeated confirm", state, resp.State)
	}
	if resp.Cart.RealCount() != 1 {
		t.Errorf("real count = %d, want 1", resp.Cart.RealCount())
	}
}

func TestResetKeywordStartsOver(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1}}

	resp := fx.turn(t, "", "500 amps MIG")
	id := resp.SessionID
	fx.turn(t, id, "yes")

	resp = fx.turn(t, id, "reset")
	if resp.State != domain.StatePowerSource {
		t.Errorf("state = %s, want fresh S1 after reset keyword", resp.State)
	}
	if resp.Cart.RealCount() != 0 {
		t.Error("reset keyword must drop all selections")
	}
	if fx.store.resets != 1 {
		t.Errorf("store resets = %d, want 1", fx.store.resets)
	}
	if fx.extract.calls != 1 {
		t.Error("the reset keyword must be recognized before extraction")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.extract.queue = []*extract.Extraction{psExtraction()}
	fx.catalog.searches["PowerSource"] = catalog.Results{Products: []domain.Product{ps1}}

	resp := fx.turn(t, "", "500 amps MIG")
	id := resp.SessionID

	r1, err := fx.orch.Turn(context.Background(), TurnRequest{SessionID: id, Reset: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	r2, err := fx.orch.Turn(context.Background(), TurnRequest{SessionID: id, Reset: true})
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if r1.State != domain.StatePowerSource || r2.State != domain.StatePowerSource {
		t.Error("reset must land on a fresh S1 session")
	}
	if r2.Cart.RealCount() != 0 {
		t.Error("reset session must be empty")
	}
}

func TestAccessoriesMultiSelectStaysInState(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	acc := domain.Product{GIN: "a1", Name: "Remote Box", Category: "Accessory", Available: true}
	fx.catalog.searches["Accessory"] = catalog.Results{Products: []domain.Product{acc}}

	sess := domain.NewSessionState("acc-sess", "en", timeNow())
	sess.Applicability = domain.DefaultApplicability()
	sess.Cart.Select(domain.KindPowerSource, ps1)
	sess.CurrentState = domain.StateAccessories
	sess.PendingOptions = []domain.Product{acc}
	sess.PendingKind = domain.KindAccessory
	_ = fx.store.Create(context.Background(), sess)

	resp := fx.turn(t, "acc-sess", "yes")
	if resp.State != domain.StateAccessories {
		t.Errorf("state = %s, accessories should loop", resp.State)
	}
	if len(resp.Cart.Accessories) != 1 {
		t.Errorf("accessories = %d, want 1", len(resp.Cart.Accessories))
	}
	if !strings.Contains(resp.Message, "done") {
		t.Errorf("message = %q, should remind about 'done'", resp.Message)
	}
}

func TestArchiveFailureDoesNotFailTurn(t *testing.T) {
	fx := newFixture(t, DefaultOptions())
	fx.archive.err = errors.New("postgres down")

	sess := domain.NewSessionState("fin-sess", "en", timeNow())
	sess.Applicability = domain.DefaultApplicability()
	sess.Cart.Select(domain.KindPowerSource, ps1)
	sess.CurrentState = domain.StateFinalize
	_ = fx.store.Create(context.Background(), sess)

	resp := fx.turn(t, "fin-sess", "confirm")
	if !resp.Completed {
		t.Error("archive failures are best-effort; the turn must complete")
	}
}
