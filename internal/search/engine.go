package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/ucti/internal/store"
	"github.com/hazyhaar/ucti/internal/textmatch"
)

// Match is one scored search result.
type Match struct {
	Post *store.Post
	// Score is the rounded relevancy in 0..100.
	Score int
	// DistinctScore is the highest duplicate ratio this post absorbed
	// under !distinct; zero otherwise.
	DistinctScore float64
}

// Debug carries the back-data exposed by the !debug command.
type Debug struct {
	Commands      *Commands
	AST           string
	SearchStrings []string
	Candidates    int
	Comparisons   int
	CacheHit      bool
	Elapsed       time.Duration
}

// Response is a completed search.
type Response struct {
	// Query is the canonical final query, !from/!to explicit.
	Query   string
	Matches []Match
	// Debug is non-nil when the query carries !debug.
	Debug *Debug
}

// Engine runs the two-stage search pipeline: full-text retrieval over
// the hard window, then fuzzy scoring with query-shape adjustments.
type Engine struct {
	store  *store.Store
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine. A nil cache disables result caching.
func New(st *store.Store, cache *Cache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, cache: cache, logger: logger, now: time.Now}
}

// candidate is a match still carrying its unrounded score.
type candidate struct {
	post     *store.Post
	score    float64
	distinct float64
}

// Search parses the query, serves it from the cache when possible, and
// otherwise runs retrieval and scoring. Parse failures surface to the
// caller; they are user errors, not pipeline errors.
func (e *Engine) Search(ctx context.Context, query string) (*Response, error) {
	started := e.now()
	cmds, err := ParseCommands(query, started)
	if err != nil {
		return nil, badQuery(err)
	}

	if e.cache.Enabled() {
		matches, ok, err := e.cache.Fetch(ctx, cmds.FinalQuery, started)
		if err != nil {
			e.logger.Warn("cache fetch failed", "query", cmds.FinalQuery, "error", err)
		} else if ok {
			resp := &Response{Query: cmds.FinalQuery, Matches: matches}
			if cmds.Debug {
				resp.Debug = &Debug{Commands: cmds, CacheHit: true, Elapsed: e.now().Sub(started)}
			}
			return resp, nil
		}
	}

	ast, err := Parse(cmds.Fulltext)
	if err != nil {
		return nil, badQuery(fmt.Errorf("invalid query syntax: %w", err))
	}

	var terms []string
	for _, s := range SearchStrings(ast) {
		if strings.TrimSpace(s) != "" {
			terms = append(terms, s)
		}
	}
	e.logger.Info("search started",
		"query", cmds.FinalQuery, "terms", len(terms),
		"strict", cmds.Strict, "min_score", cmds.MinScore, "count", cmds.Count)

	candidates, err := e.retrieve(ctx, cmds, terms)
	if err != nil {
		return nil, err
	}

	scored, comparisons, err := e.score(ctx, cmds, ast, terms, candidates)
	if err != nil {
		return nil, err
	}

	if cmds.Distinct {
		scored = distinctFilter(scored, float64(cmds.DistinctRatio))
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].post.CreatedAt > scored[j].post.CreatedAt
	})
	if len(scored) > cmds.Count {
		scored = scored[:cmds.Count]
	}

	matches := make([]Match, len(scored))
	for i, c := range scored {
		matches[i] = Match{
			Post:          c.post,
			Score:         int(math.Round(c.score)),
			DistinctScore: c.distinct,
		}
	}

	if e.cache.Enabled() {
		if err := e.cache.Save(ctx, cmds.FinalQuery, matches, started); err != nil {
			e.logger.Warn("cache save failed", "query", cmds.FinalQuery, "error", err)
		}
	}

	elapsed := e.now().Sub(started)
	e.logger.Info("search finished",
		"query", cmds.FinalQuery, "results", len(matches),
		"candidates", len(candidates), "elapsed", elapsed)

	resp := &Response{Query: cmds.FinalQuery, Matches: matches}
	if cmds.Debug {
		resp.Debug = &Debug{
			Commands:      cmds,
			AST:           ast.String(),
			SearchStrings: terms,
			Candidates:    len(candidates),
			Comparisons:   comparisons,
			Elapsed:       elapsed,
		}
	}
	return resp, nil
}

// retrieve unions the full-text hits of every search string, restricted
// to visible posts inside the hard window.
func (e *Engine) retrieve(ctx context.Context, cmds *Commands, terms []string) (map[int64]*store.Post, error) {
	from := cmds.EarliestHard.Unix()
	to := cmds.LatestHard.Unix()

	candidates := map[int64]*store.Post{}
	for _, term := range terms {
		posts, err := e.store.FullTextMatch(ctx, ftsQuery(term), from, to, ResultsMax*10)
		if err != nil {
			return nil, err
		}
		for _, p := range posts {
			candidates[p.ID] = p
		}
	}
	return candidates, nil
}

// ftsQuery turns one search string into an FTS5 query: every token
// quoted, all tokens required.
func ftsQuery(term string) string {
	fields := strings.Fields(term)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// score computes each candidate's relevancy: the best token-set ratio
// over the search strings, then the tag, date and query-shape
// multipliers. Candidates below the floor drop at both steps.
func (e *Engine) score(ctx context.Context, cmds *Commands, ast Node, terms []string, candidates map[int64]*store.Post) ([]candidate, int, error) {
	floor := float64(cmds.MinScore)
	comparisons := 0

	var scored []candidate
	for _, p := range candidates {
		doc, err := e.searchDoc(ctx, p)
		if err != nil {
			return nil, comparisons, err
		}

		best := 0.0
		for _, term := range terms {
			comparisons++
			if r := textmatch.TokenSetRatio(term, doc); r > best {
				best = r
			}
		}
		if best < floor {
			continue
		}

		tags, err := e.store.TagsForPost(ctx, p.ID)
		if err != nil {
			return nil, comparisons, err
		}

		score := best
		score *= tagMultiplier(len(tags))
		score *= dateMultiplier(p.Created(), cmds)
		if adj := evaluateAST(ast, p, cmds.Strict); adj != nil {
			score *= *adj
		}
		if score < floor {
			continue
		}
		scored = append(scored, candidate{post: p, score: score})
	}
	return scored, comparisons, nil
}

// searchDoc returns the post's search document, materializing and
// persisting it when missing.
func (e *Engine) searchDoc(ctx context.Context, p *store.Post) (string, error) {
	if p.ContentSearch != "" {
		return p.ContentSearch, nil
	}
	tags, err := e.store.TagsForPost(ctx, p.ID)
	if err != nil {
		return "", err
	}
	doc := Document(p, tags)
	if err := e.store.SetContentSearch(ctx, p.ID, doc); err != nil {
		return "", err
	}
	p.ContentSearch = doc
	return doc, nil
}

func tagMultiplier(n int) float64 {
	switch {
	case n < 1:
		return 0.55
	case n < 3:
		return 0.7
	case n < 5:
		return 0.85
	}
	return 1
}

// dateMultiplier penalizes posts outside the soft window by how many
// whole days they miss it.
func dateMultiplier(created time.Time, cmds *Commands) float64 {
	var outside time.Duration
	if created.Before(cmds.Earliest) {
		outside = cmds.Earliest.Sub(created)
	} else if created.After(cmds.Latest) {
		outside = created.Sub(cmds.Latest)
	}
	days := int(outside.Hours() / 24)
	switch {
	case days > 180:
		return 0.6
	case days > 60:
		return 0.7
	case days > 21:
		return 0.8
	case days > 0:
		return 0.9
	}
	return 1
}

var (
	userSelectorRe   = regexp.MustCompile(`(?:^|\s)user:(\S+)`)
	sourceSelectorRe = regexp.MustCompile(`(?:^|\s)source:(\S+)`)
)

// evaluateAST walks the query shape against one post and returns a
// score multiplier, or nil when the shape expresses no preference.
// Quoted phrases reward verbatim presence; selector terms reward a
// user/source prefix match. Under strict mode a failed phrase or
// selector zeroes the post instead of discounting it.
func evaluateAST(node Node, p *store.Post, strict bool) *float64 {
	switch n := node.(type) {
	case *Or:
		var best *float64
		for _, child := range n.Children {
			v := evaluateAST(child, p, strict)
			if v == nil {
				continue
			}
			if best == nil || *v > *best {
				best = v
			}
		}
		if best == nil {
			return ptr(1)
		}
		return best

	case *And:
		var worst *float64
		for _, child := range n.Children {
			v := evaluateAST(child, p, strict)
			if v == nil {
				continue
			}
			if worst == nil || *v < *worst {
				worst = v
			}
		}
		if worst == nil {
			return ptr(1)
		}
		return worst

	case *Exact:
		if strings.Contains(strings.ToLower(p.ContentSearch), n.Phrase) {
			return ptr(1)
		}
		if strict {
			return ptr(0)
		}
		return ptr(0.5)

	case *Term:
		score := 1.0
		applied := false
		if m := userSelectorRe.FindStringSubmatch(n.Text); m != nil {
			applied = true
			score *= selectorScore(strings.HasPrefix(strings.ToLower(p.User), m[1]), strict)
		}
		if m := sourceSelectorRe.FindStringSubmatch(n.Text); m != nil {
			applied = true
			score *= selectorScore(strings.HasPrefix(strings.ToLower(p.Source), m[1]), strict)
		}
		if !applied {
			return nil
		}
		return &score
	}
	return nil
}

func selectorScore(hit, strict bool) float64 {
	if hit {
		return 1
	}
	if strict {
		return 0
	}
	return 0.3
}

func ptr(v float64) *float64 { return &v }

// distinctFilter drops near-duplicate posts, keeping the earliest of
// each cluster. The survivor records the highest ratio it absorbed.
func distinctFilter(scored []candidate, threshold float64) []candidate {
	sort.Slice(scored, func(i, j int) bool {
		return scored[i].post.CreatedAt < scored[j].post.CreatedAt
	})

	dropped := make([]bool, len(scored))
	for i := range scored {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(scored); j++ {
			if dropped[j] {
				continue
			}
			ratio := textmatch.TokenSetRatio(scored[i].post.ContentTxt, scored[j].post.ContentTxt)
			if ratio >= threshold {
				dropped[j] = true
				if ratio > scored[i].distinct {
					scored[i].distinct = ratio
				}
			}
		}
	}

	var out []candidate
	for i, c := range scored {
		if !dropped[i] {
			out = append(out, c)
		}
	}
	return out
}
