package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/torchline/configurator/engine/domain"
)

// ResultLimit caps every query shape.
const ResultLimit = 5

var tracer = otel.Tracer("engine/catalog")

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Searcher executes the three query shapes against the product graph.
type Searcher struct {
	driver     neo4j.DriverWithContext
	timeout    time.Duration
	newSession func(ctx context.Context) runner // for testing
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithTimeout bounds each graph query.
func WithTimeout(d time.Duration) Option {
	return func(s *Searcher) { s.timeout = d }
}

// New creates a Searcher on an established driver.
func New(driver neo4j.DriverWithContext, opts ...Option) *Searcher {
	s := &Searcher{driver: driver, timeout: 3 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Results carries search output plus whether the compatibility-only
// fallback produced it.
type Results struct {
	Products []domain.Product
	Fallback bool
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) Close(ctx context.Context) error { return a.sess.Close(ctx) }

func (s *Searcher) session(ctx context.Context) runner {
	if s.newSession != nil {
		return s.newSession(ctx)
	}
	return &sessionAdapter{sess: s.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

func repoErr(op string, err error) error {
	return fmt.Errorf("catalog: %s: %v: %w", op, err, domain.ErrRepository)
}

// LookupByName finds products of a category whose normalized name
// contains (or is contained by) the normalized raw mention. Ties break
// alphabetically; capped at ResultLimit.
func (s *Searcher) LookupByName(ctx context.Context, category, rawName string) ([]domain.Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.lookup_by_name")
	defer span.End()
	span.SetAttributes(attribute.String("category", category))

	tok := normalizeName(rawName)
	if tok == "" {
		return nil, nil
	}

	cypher := `MATCH (p:Product)
WHERE p.category = $category AND p.is_available = true
WITH p, toLower(replace(p.name, ' ', '')) AS norm
WHERE norm CONTAINS $tok OR $tok CONTAINS norm
RETURN p
ORDER BY p.name
LIMIT $limit`

	return s.query(ctx, "lookup_by_name", cypher, map[string]any{
		"category": category,
		"tok":      tok,
		"limit":    ResultLimit,
	})
}

// Search runs the parameter-filtered, compatibility-constrained query.
// When attribute filters were present and matched nothing, it reruns as
// a compatibility-only search and flags the results as fallback.
func (s *Searcher) Search(ctx context.Context, category string, bag *domain.ParameterBag, pred Predicate) (Results, error) {
	ctx, span := tracer.Start(ctx, "catalog.search")
	defer span.End()
	span.SetAttributes(attribute.String("category", category), attribute.Int("anchors", len(pred.Anchors)))

	terms := searchTerms(bag)
	cypher, params := buildSearchQuery(category, terms, pred)

	products, err := s.query(ctx, "search", cypher, params)
	if err != nil {
		return Results{}, err
	}
	if len(products) == 0 && len(terms) > 0 {
		fallback, err := s.FindAllCompatible(ctx, category, pred)
		if err != nil {
			return Results{}, err
		}
		return Results{Products: fallback, Fallback: true}, nil
	}
	return Results{Products: products}, nil
}

// FindAllCompatible returns products meeting only the compatibility
// predicate and availability.
func (s *Searcher) FindAllCompatible(ctx context.Context, category string, pred Predicate) ([]domain.Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.find_all_compatible")
	defer span.End()

	cypher, params := buildSearchQuery(category, nil, pred)
	return s.query(ctx, "find_all_compatible", cypher, params)
}

func (s *Searcher) query(ctx context.Context, op, cypher string, params map[string]any) ([]domain.Product, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, repoErr(op, err)
	}
	var products []domain.Product
	for res.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "p")
		if err != nil {
			return nil, repoErr(op, err)
		}
		products = append(products, productFromProps(node.Props))
	}
	if ctx.Err() != nil {
		return nil, repoErr(op, ctx.Err())
	}
	return products, nil
}

// buildSearchQuery assembles the Cypher for query shapes 2 and 3:
// availability + category, one existence clause per anchor, and one
// AND-joined group per attribute term (each group ORing the term's
// measurement variants over description, name, and embedding text).
func buildSearchQuery(category string, terms []string, pred Predicate) (string, map[string]any) {
	var b strings.Builder
	params := map[string]any{"category": category, "limit": ResultLimit}

	b.WriteString("MATCH (p:Product)\nWHERE p.category = $category AND p.is_available = true")

	for i, a := range pred.Anchors {
		name := fmt.Sprintf("anchor_%d", i)
		fmt.Fprintf(&b, "\nAND EXISTS((p)-[:COMPATIBLE_WITH]-(:Product {gin: $%s}))", name)
		params[name] = a.GIN
	}

	for i, term := range terms {
		variants := expandTerm(term)
		var ors []string
		for j, v := range variants {
			name := fmt.Sprintf("term_%d_%d", i, j)
			ors = append(ors,
				fmt.Sprintf("toLower(p.description) CONTAINS $%s OR toLower(p.name) CONTAINS $%s OR toLower(p.embedding_text) CONTAINS $%s", name, name, name))
			params[name] = strings.ToLower(v)
		}
		fmt.Fprintf(&b, "\nAND (%s)", strings.Join(ors, " OR "))
	}

	b.WriteString("\nRETURN p\nORDER BY p.name\nLIMIT $limit")
	return b.String(), params
}

// searchTerms flattens the bag's attribute values into search terms in
// a stable order. The product mention is not a term; it is resolved by
// LookupByName.
func searchTerms(bag *domain.ParameterBag) []string {
	if bag == nil {
		return nil
	}
	attrs := make([]string, 0, len(bag.Attributes))
	for a := range bag.Attributes {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	var terms []string
	for _, a := range attrs {
		if v := strings.TrimSpace(bag.Attributes[a]); v != "" {
			terms = append(terms, v)
		}
	}
	return terms
}

var measurementRe = regexp.MustCompile(`^(\d+)(?:\.0)?(m|mm|ft)$`)

// expandTerm widens measurement tokens with a leading space so "5m"
// matches "5m" and "5.0m" in prose without also matching "15.0m".
func expandTerm(term string) []string {
	if m := measurementRe.FindStringSubmatch(term); m != nil {
		return []string{" " + m[1] + m[2], " " + m[1] + ".0" + m[2]}
	}
	return []string{term}
}

// normalizeName lowercases and strips spaces for fuzzy name matching.
func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "")
}

// productFromProps builds a Product from node properties. String
// properties outside the reserved set become attributes.
func productFromProps(props map[string]any) domain.Product {
	p := domain.Product{
		GIN:         strProp(props, "gin"),
		Name:        strProp(props, "name"),
		Category:    strProp(props, "category"),
		Description: strProp(props, "description"),
		Attributes:  make(map[string]string),
	}
	if v, ok := props["is_available"].(bool); ok {
		p.Available = v
	}
	for k, v := range props {
		switch k {
		case "gin", "name", "category", "description", "is_available", "embedding_text", "specifications_json":
			continue
		}
		if s, ok := v.(string); ok {
			p.Attributes[k] = s
		}
	}
	return p
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}
