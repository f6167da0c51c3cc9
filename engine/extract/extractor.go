// Package extract binds the LLM to the parameter-extraction contract:
// it prompts for attribute deltas, validates the reply against the
// canonical form table, and merges the result into the master record.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/torchline/configurator/engine/domain"
)

var tracer = otel.Tracer("engine/extract")

// Completer is the LLM port: a system + user prompt pair in, raw
// assistant text out.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Extraction is the validated output contract of one extraction call.
type Extraction struct {
	Updates               map[domain.Kind]map[string]string `json:"updates"`
	NeedsClarification    bool                              `json:"needs_clarification"`
	ClarificationQuestion string                            `json:"clarification_question"`
	DirectProductMentions map[domain.Kind]string            `json:"direct_product_mentions"`
	Confidence            map[domain.Kind]float64           `json:"confidence"`
	Reasoning             string                            `json:"reasoning,omitempty"`
}

// Input carries everything one extraction call needs.
type Input struct {
	UserMessage  string
	CurrentState domain.State
	Master       *domain.MasterRecord
	History      []domain.Message
}

// Extractor drives the Completer and enforces the contract. It is
// stateless; the orchestrator guarantees it is never invoked twice in
// parallel for the same session.
type Extractor struct {
	llm Completer

	// EnrichFromMention keeps prior attributes when a direct product
	// mention arrives, letting a later lookup enrich the bag.
	EnrichFromMention bool
}

// New creates an Extractor.
func New(llm Completer) *Extractor {
	return &Extractor{llm: llm, EnrichFromMention: true}
}

// Extract runs one extraction call. Any transport failure, invalid
// JSON, or normalization violation wraps domain.ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Extraction, error) {
	ctx, span := tracer.Start(ctx, "extract.extract")
	defer span.End()

	raw, err := e.llm.Complete(ctx, systemPrompt, userPrompt(in))
	if err != nil {
		return nil, fmt.Errorf("extract: complete: %v: %w", err, domain.ErrExtraction)
	}
	ex, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// Parse validates raw assistant text against the contract.
func Parse(raw string) (*Extraction, error) {
	payload := stripFences(raw)

	var ex Extraction
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&ex); err != nil {
		return nil, fmt.Errorf("extract: decode: %v: %w", err, domain.ErrExtraction)
	}

	if ex.NeedsClarification && strings.TrimSpace(ex.ClarificationQuestion) == "" {
		return nil, fmt.Errorf("extract: clarification requested without a question: %w", domain.ErrExtraction)
	}
	if !ex.NeedsClarification && strings.TrimSpace(ex.ClarificationQuestion) != "" {
		return nil, fmt.Errorf("extract: stray clarification question: %w", domain.ErrExtraction)
	}

	for kind, attrs := range ex.Updates {
		if !kind.Valid() {
			return nil, fmt.Errorf("extract: unknown component %q: %w", kind, domain.ErrExtraction)
		}
		for attr, value := range attrs {
			if !domain.KnownAttribute(kind, attr) {
				return nil, fmt.Errorf("extract: attribute %q not in %s vocabulary: %w", attr, kind, domain.ErrExtraction)
			}
			canonical, err := domain.Canonicalize(attr, value)
			if err != nil {
				return nil, err
			}
			attrs[attr] = canonical
		}
	}
	for kind := range ex.DirectProductMentions {
		if !kind.Valid() {
			return nil, fmt.Errorf("extract: mention for unknown component %q: %w", kind, domain.ErrExtraction)
		}
	}
	for kind, c := range ex.Confidence {
		if !kind.Valid() || c < 0 || c > 1 {
			return nil, fmt.Errorf("extract: confidence %v for %q out of range: %w", c, kind, domain.ErrExtraction)
		}
	}
	return &ex, nil
}

// Apply merges an extraction into the master record: last-write-wins
// per attribute, and direct mentions stored on the bag. With
// EnrichFromMention (the default) prior attributes survive a mention.
func (e *Extractor) Apply(master *domain.MasterRecord, ex *Extraction) {
	master.MergeUpdates(ex.Updates)
	for kind, mention := range ex.DirectProductMentions {
		mention = strings.TrimSpace(mention)
		if mention == "" {
			continue
		}
		bag := master.Bag(kind)
		if !e.EnrichFromMention {
			bag.Zero()
		}
		bag.ProductMention = mention
	}
}

// stripFences unwraps ```json fenced blocks and trims to the outermost
// JSON object.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}
