package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/torchline/configurator/engine/catalog"
	"github.com/torchline/configurator/engine/compose"
	"github.com/torchline/configurator/engine/domain"
	"github.com/torchline/configurator/engine/extract"
	"github.com/torchline/configurator/engine/flow"
	"github.com/torchline/configurator/pkg/events"
)

func stateActive(s domain.State, app *domain.Applicability) bool {
	return flow.IsActive(s, app)
}

// Turn processes one user message end-to-end. Either the whole turn
// commits to the session store, or, after a recoverable extraction or
// repository failure, only the conversation log and the error tally
// change; an integrity violation leaves the session untouched.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	start := time.Now()
	defer o.turnSeconds.Time(start)
	o.turns.Inc()

	ctx, cancel := context.WithTimeout(ctx, o.opts.TurnDeadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "orchestrator.turn")
	defer span.End()

	if req.Reset {
		return o.resetSession(ctx, req)
	}

	original, fresh, expired, err := o.loadSession(ctx, req)
	if err != nil {
		return TurnResponse{}, err
	}
	composer := compose.ForLanguage(original.Language)

	if fresh && strings.TrimSpace(req.Message) == "" {
		greeting := composer.Greeting()
		if expired {
			greeting = composer.SessionExpired()
		}
		original.AddMessage("assistant", greeting)
		if err := o.store.Put(ctx, original); err != nil {
			return TurnResponse{}, err
		}
		return o.respond(original, greeting), nil
	}
	if expired {
		// A stale id starts over: greet, persist the fresh session, and
		// do not carry anything across.
		msg := composer.SessionExpired()
		original.AddMessage("assistant", msg)
		if err := o.store.Put(ctx, original); err != nil {
			return TurnResponse{}, err
		}
		return o.respond(original, msg), nil
	}

	sess, err := cloneSession(original)
	if err != nil {
		return TurnResponse{}, err
	}
	sess.AddMessage("user", req.Message)
	sess.UpdatedAt = time.Now().UTC()

	it, selection := classify(req.Message)
	span.SetAttributes(
		attribute.String("session_id", sess.SessionID),
		attribute.String("state", string(sess.CurrentState)),
		attribute.String("intent", string(it)),
	)

	if it == intentReset {
		return o.resetSession(ctx, TurnRequest{SessionID: sess.SessionID, Language: sess.Language})
	}

	message, err := o.dispatch(ctx, sess, composer, it, selection, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrExtraction):
			o.extractFails.Inc()
			o.logger.Warn("extraction failed", "session_id", sess.SessionID, "err", err)
			sess, message = o.recoverTurn(original, req.Message), composer.ExtractionFallback()
		case errors.Is(err, domain.ErrRepository):
			o.repoFails.Inc()
			o.logger.Error("repository failed", "session_id", sess.SessionID, "err", err)
			sess, message = o.recoverTurn(original, req.Message), composer.Unavailable()
		case errors.Is(err, domain.ErrIntegrity):
			o.integrity.Inc()
			o.logger.Error("integrity violation", "session_id", sess.SessionID, "err", err)
			o.emitTurn(ctx, original, it)
			return o.respond(original, composer.GenericError()), nil
		default:
			return TurnResponse{}, err
		}
	}

	sess.AddMessage("assistant", message)

	if err := o.checkInvariants(sess); err != nil {
		o.integrity.Inc()
		o.logger.Error("integrity violation", "session_id", sess.SessionID, "err", err)
		return o.respond(original, composer.GenericError()), nil
	}
	if err := o.store.Put(ctx, sess); err != nil {
		return TurnResponse{}, err
	}
	o.emitTurn(ctx, sess, it)
	return o.respond(sess, message), nil
}

// recoverTurn rebuilds the session as it was before the turn, keeping
// only the conversation log entry and the error tally, so recoverable
// failures never leak partial mutations.
func (o *Orchestrator) recoverTurn(original *domain.SessionState, userMessage string) *domain.SessionState {
	sess, err := cloneSession(original)
	if err != nil {
		sess = original
	}
	sess.AddMessage("user", userMessage)
	sess.TurnErrors++
	sess.UpdatedAt = time.Now().UTC()
	return sess
}

func (o *Orchestrator) resetSession(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	if req.SessionID != "" {
		if err := o.store.Reset(ctx, req.SessionID); err != nil {
			return TurnResponse{}, err
		}
	}
	id := req.SessionID
	if id == "" {
		id = o.newID()
	}
	sess := domain.NewSessionState(id, compose.NormalizeTag(req.Language), time.Now().UTC())
	composer := compose.ForLanguage(sess.Language)
	greeting := composer.Greeting()
	sess.AddMessage("assistant", greeting)
	if err := o.store.Create(ctx, sess); err != nil {
		return TurnResponse{}, err
	}
	return o.respond(sess, greeting), nil
}

// loadSession fetches or creates the session. fresh is true for a newly
// created session; expired is true when the client supplied an id that
// no longer exists.
func (o *Orchestrator) loadSession(ctx context.Context, req TurnRequest) (sess *domain.SessionState, fresh, expired bool, err error) {
	now := time.Now().UTC()
	if req.SessionID == "" {
		sess = domain.NewSessionState(o.newID(), compose.NormalizeTag(req.Language), now)
		return sess, true, false, nil
	}
	sess, err = o.store.Get(ctx, req.SessionID)
	if err == nil {
		if req.Language != "" {
			sess.Language = compose.NormalizeTag(req.Language)
		}
		return sess, false, false, nil
	}
	if errors.Is(err, domain.ErrSessionExpired) {
		sess = domain.NewSessionState(req.SessionID, compose.NormalizeTag(req.Language), now)
		return sess, true, true, nil
	}
	return nil, false, false, err
}

func (o *Orchestrator) dispatch(ctx context.Context, sess *domain.SessionState, composer *compose.Composer, it intent, selection int, message string) (string, error) {
	if sess.Completed {
		return composer.Finalized() + "\n\n" + composer.ConfigSummary(sess.Cart), nil
	}
	switch it {
	case intentSkip:
		return o.handleSkip(ctx, sess, composer)
	case intentDone:
		return o.handleFinalizeEntry(ctx, sess, composer)
	case intentConfirm:
		return o.handleConfirm(ctx, sess, composer)
	case intentSelect:
		return o.handleSelect(ctx, sess, composer, selection)
	default:
		return o.handleData(ctx, sess, composer, message)
	}
}

func (o *Orchestrator) handleSkip(ctx context.Context, sess *domain.SessionState, composer *compose.Composer) (string, error) {
	if sess.CurrentState == domain.StatePowerSource {
		// Mandatory rule: the state does not advance and nothing else
		// changes.
		return composer.RejectSkipOfPowerSource(), nil
	}
	if sess.CurrentState == domain.StateFinalize {
		return o.finalizePrompt(sess, composer), nil
	}

	kind, _ := sess.CurrentState.Kind()
	if err := sess.Cart.Skip(kind); err != nil {
		return "", err
	}
	sess.ClearPending()

	confirmation := composer.SkipConfirmed(kind)
	next, ok := flow.NextActive(sess.CurrentState, sess.Applicability)
	if !ok {
		return confirmation, nil
	}
	sess.CurrentState = next
	return confirmation + "\n\n" + o.enterState(ctx, sess, composer), nil
}

// handleFinalizeEntry reacts to an explicit done/finalize command.
func (o *Orchestrator) handleFinalizeEntry(ctx context.Context, sess *domain.SessionState, composer *compose.Composer) (string, error) {
	if count := sess.Cart.RealCount(); count < o.opts.MinRealComponents {
		o.repositionBelowThreshold(sess)
		return composer.ThresholdNotMet(count, o.opts.MinRealComponents), nil
	}
	sess.CurrentState = domain.StateFinalize
	sess.ClearPending()
	return o.finalizePrompt(sess, composer), nil
}

func (o *Orchestrator) handleConfirm(ctx context.Context, sess *domain.SessionState, composer *compose.Composer) (string, error) {
	if sess.CurrentState == domain.StateFinalize {
		return o.completeSession(ctx, sess, composer)
	}
	if len(sess.PendingOptions) == 1 {
		product := sess.PendingOptions[0]
		kind := sess.PendingKind
		sess.ClearPending()
		return o.commitSelection(ctx, sess, composer, kind, product)
	}
	if len(sess.PendingOptions) > 1 {
		kind := sess.PendingKind
		return composer.PresentOptions(kind, sess.PendingOptions, false), nil
	}
	kind, ok := sess.CurrentState.Kind()
	if !ok {
		return o.finalizePrompt(sess, composer), nil
	}
	return composer.PromptFor(kind), nil
}

func (o *Orchestrator) handleSelect(ctx context.Context, sess *domain.SessionState, composer *compose.Composer, n int) (string, error) {
	if n >= 1 && n <= len(sess.PendingOptions) {
		product := sess.PendingOptions[n-1]
		kind := sess.PendingKind
		sess.ClearPending()
		return o.commitSelection(ctx, sess, composer, kind, product)
	}
	if kind, ok := sess.CurrentState.Kind(); ok {
		return composer.PromptFor(kind), nil
	}
	return o.finalizePrompt(sess, composer), nil
}

func (o *Orchestrator) handleData(ctx context.Context, sess *domain.SessionState, composer *compose.Composer, message string) (string, error) {
	ex, err := o.extractor.Extract(ctx, extract.Input{
		UserMessage:  message,
		CurrentState: sess.CurrentState,
		Master:       sess.Master,
		History:      sess.LastMessages(o.opts.HistoryWindow),
	})
	if err != nil {
		return "", err
	}
	if ex.NeedsClarification {
		// Ask and log; no other mutation this turn.
		return ex.ClarificationQuestion, nil
	}

	o.extractor.Apply(sess.Master, ex)

	kind, ok := sess.CurrentState.Kind()
	if !ok {
		return o.finalizePrompt(sess, composer), nil
	}

	bag := sess.Master.Bag(kind)

	// A direct product mention tries a name lookup first.
	if bag.ProductMention != "" {
		msg, handled, err := o.resolveMention(ctx, sess, composer, kind, bag, ex)
		if err != nil {
			return "", err
		}
		if handled {
			return msg, nil
		}
	}

	// Search eligibility: at least one attribute or a mention.
	if len(bag.Attributes) == 0 && bag.ProductMention == "" {
		return composer.PromptFor(kind), nil
	}

	res, err := o.search(ctx, sess, kind, bag)
	if err != nil {
		return "", err
	}
	sess.PendingOptions = res.Products
	sess.PendingKind = kind
	if len(res.Products) == 0 {
		sess.ClearPending()
	}
	return composer.PresentOptions(kind, res.Products, res.Fallback), nil
}

// resolveMention looks a direct product mention up by name. One match
// auto-commits at high confidence; several present options; none falls
// through to the attribute search.
func (o *Orchestrator) resolveMention(ctx context.Context, sess *domain.SessionState, composer *compose.Composer, kind domain.Kind, bag *domain.ParameterBag, ex *extract.Extraction) (string, bool, error) {
	products, err := o.catalog.LookupByName(ctx, searchCategory(kind, bag), bag.ProductMention)
	if err != nil {
		return "", false, err
	}
	switch len(products) {
	case 0:
		return "", false, nil
	case 1:
		conf, ok := ex.Confidence[kind]
		if !ok {
			conf = 1 // an explicit mention with a single match is unambiguous
		}
		if conf >= o.opts.AutoCommitConfidence {
			msg, err := o.commitSelection(ctx, sess, composer, kind, products[0])
			return msg, true, err
		}
		if conf >= o.opts.ConfirmConfidence {
			sess.PendingOptions = products
			sess.PendingKind = kind
			return composer.PresentOptions(kind, products, false), true, nil
		}
		// Below the confirm threshold the mention is unreliable; fall
		// through to the attribute search.
		return "", false, nil
	default:
		sess.PendingOptions = products
		sess.PendingKind = kind
		return composer.PresentOptions(kind, products, false), true, nil
	}
}

func (o *Orchestrator) search(ctx context.Context, sess *domain.SessionState, kind domain.Kind, bag *domain.ParameterBag) (catalog.Results, error) {
	pred := catalog.BuildPredicate(kind, accessoryCategory(bag), sess.Cart)
	return o.catalog.Search(ctx, searchCategory(kind, bag), bag, pred)
}

// commitSelection locks a product into the cart, handling replacement
// cascades, S1 applicability, state advancement, and the proactive
// search for the next state.
func (o *Orchestrator) commitSelection(ctx context.Context, sess *domain.SessionState, composer *compose.Composer, kind domain.Kind, product domain.Product) (string, error) {
	state, ok := domain.StateForKind(kind)
	if !ok {
		return "", &domain.IntegrityError{Op: "commit", Detail: "no state for kind " + string(kind)}
	}

	if kind != domain.KindAccessory {
		if existing := sess.Cart.Selected(kind); existing != nil && existing.GIN != product.GIN {
			// Replacing a locked selection invalidates everything
			// downstream.
			flow.Cascade(sess, state)
		}
	}
	sess.Cart.Select(kind, product)
	sess.ClearPending()

	parts := []string{composer.Confirm(kind, product)}

	if kind == domain.KindPowerSource {
		app := o.applic.Lookup(product.GIN)
		sess.Applicability = app
		if marked := flow.ApplyApplicability(sess.Cart, app); len(marked) > 0 {
			parts = append(parts, composer.NotApplicableNotice(marked))
		}
	}

	if summary := composer.ConfigSummary(sess.Cart); summary != "" {
		parts = append(parts, summary)
	}

	if kind == domain.KindAccessory {
		// Accessories multi-select: stay in S6 and re-suggest.
		if options := o.proactive(ctx, sess, domain.KindAccessory, o.opts.AccessoryLimit); len(options) > 0 {
			sess.PendingOptions = options
			sess.PendingKind = domain.KindAccessory
			parts = append(parts, composer.PresentOptions(domain.KindAccessory, options, false))
		}
		parts = append(parts, composer.AccessoriesMore())
		return strings.Join(parts, "\n\n"), nil
	}

	next, ok := flow.NextActive(state, sess.Applicability)
	if !ok {
		return strings.Join(parts, "\n\n"), nil
	}
	sess.CurrentState = next
	parts = append(parts, o.enterState(ctx, sess, composer))
	return strings.Join(parts, "\n\n"), nil
}

// enterState renders the entry prompt for the current state, with a
// proactive compatibility search where one applies.
func (o *Orchestrator) enterState(ctx context.Context, sess *domain.SessionState, composer *compose.Composer) string {
	if sess.CurrentState == domain.StateFinalize {
		return o.finalizePrompt(sess, composer)
	}
	kind, _ := sess.CurrentState.Kind()
	limit := o.opts.ProactiveLimit
	if kind == domain.KindAccessory {
		limit = o.opts.AccessoryLimit
	}
	if options := o.proactive(ctx, sess, kind, limit); len(options) > 0 {
		sess.PendingOptions = options
		sess.PendingKind = kind
		return composer.PresentOptions(kind, options, false)
	}
	return composer.PromptFor(kind)
}

// proactive runs the next state's compatibility search up front.
// Failures are logged and skipped; they never fail the turn.
func (o *Orchestrator) proactive(ctx context.Context, sess *domain.SessionState, kind domain.Kind, limit int) []domain.Product {
	bag := sess.Master.Bag(kind)
	res, err := o.search(ctx, sess, kind, bag)
	if err != nil {
		o.logger.Warn("proactive search failed", "session_id", sess.SessionID, "kind", kind, "err", err)
		return nil
	}
	products := res.Products
	if len(products) > limit {
		products = products[:limit]
	}
	return products
}

func (o *Orchestrator) finalizePrompt(sess *domain.SessionState, composer *compose.Composer) string {
	summary := composer.ConfigSummary(sess.Cart)
	if summary == "" {
		return composer.FinalizePrompt()
	}
	return summary + "\n\n" + composer.FinalizePrompt()
}

// completeSession transitions to COMPLETED once the threshold and the
// explicit confirmation both hold, then archives best-effort.
func (o *Orchestrator) completeSession(ctx context.Context, sess *domain.SessionState, composer *compose.Composer) (string, error) {
	count := sess.Cart.RealCount()
	if count < o.opts.MinRealComponents {
		o.repositionBelowThreshold(sess)
		return composer.ThresholdNotMet(count, o.opts.MinRealComponents), nil
	}

	sess.Completed = true
	sess.ClearPending()

	if o.archive != nil {
		if err := o.archive.Put(ctx, sess); err != nil {
			// Best-effort: a failed archive never fails the user turn.
			o.logger.Error("archive failed", "session_id", sess.SessionID, "err", err)
		}
	}
	o.completed.Inc()
	if o.bus != nil {
		_ = o.bus.Publish(ctx, events.SubjectSessionCompleted, events.CompletedEvent{
			SessionID:      sess.SessionID,
			RealComponents: count,
			DurationMillis: time.Since(sess.CreatedAt).Milliseconds(),
		})
	}

	parts := []string{composer.Finalized()}
	if summary := composer.ConfigSummary(sess.Cart); summary != "" {
		parts = append(parts, summary)
	}
	return strings.Join(parts, "\n\n"), nil
}

// repositionBelowThreshold points the session at the first active state
// whose component is still unset, so the user can keep selecting.
func (o *Orchestrator) repositionBelowThreshold(sess *domain.SessionState) {
	for _, s := range flow.ActiveStates(sess.Applicability) {
		if s == domain.StateFinalize {
			break
		}
		kind, _ := s.Kind()
		if kind == domain.KindAccessory {
			continue
		}
		if sess.Cart.Entry(kind).Status == domain.StatusUnset {
			sess.CurrentState = s
			return
		}
	}
	sess.CurrentState = domain.StateAccessories
	if !flow.IsActive(domain.StateAccessories, sess.Applicability) {
		sess.CurrentState = domain.StatePowerSource
	}
}

// searchCategory maps a kind (and accessory bag) onto the graph's
// category property.
func searchCategory(kind domain.Kind, bag *domain.ParameterBag) string {
	if kind != domain.KindAccessory {
		return string(kind)
	}
	return string(accessoryCategory(bag))
}

// accessoryCategory narrows the accessory search by the extracted
// accessory type.
func accessoryCategory(bag *domain.ParameterBag) domain.AccessoryCategory {
	if bag == nil {
		return domain.AccessoryGeneric
	}
	t, _ := bag.Get(domain.AttrType)
	t = strings.ToLower(t)
	switch {
	case strings.Contains(t, "remote"):
		return domain.AccessoryRemote
	case strings.Contains(t, "connect"):
		return domain.AccessoryConnectivity
	case strings.Contains(t, "feeder"):
		return domain.AccessoryFeeder
	case strings.Contains(t, "power"):
		return domain.AccessoryPowerSource
	default:
		return domain.AccessoryGeneric
	}
}
