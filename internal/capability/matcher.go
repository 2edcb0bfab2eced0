package capability

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Match pairs a capability with its relevance score for one query. The
// matcher never retains Match values beyond the call that produced them.
type Match struct {
	Capability *Capability
	Score      float64
}

// Embedder is an optional similarity collaborator. When nil (or failing),
// the matcher degrades gracefully to intent and tag signals only.
type Embedder interface {
	Embed(text string) ([]float64, error)
}

// Scoring weights. Intent phrases carry the most signal, tags less, and
// worked-example similarity the least.
const (
	intentWeight     = 0.5
	tagWeight        = 0.3
	similarityWeight = 0.2
)

// Matcher scores registered capabilities against free-text queries.
type Matcher struct {
	registry *Registry
	embedder Embedder
	logger   *slog.Logger

	// Per-capability embedding cache, built lazily. Keyed by capability
	// ID; invalidated only by process restart, which matches the
	// read-mostly registry.
	mu         sync.Mutex
	embeddings map[string][]float64
}

// NewMatcher creates a matcher over the given registry. embedder may be
// nil.
func NewMatcher(registry *Registry, embedder Embedder, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Matcher{
		registry:   registry,
		embedder:   embedder,
		logger:     logger,
		embeddings: make(map[string][]float64),
	}
}

// Match returns up to topK capabilities scoring at or above threshold,
// ordered by score descending and capability ID ascending for ties, so
// results are deterministic.
func (m *Matcher) Match(query string, topK int, threshold float64) []Match {
	if topK <= 0 {
		return nil
	}

	queryLower := strings.ToLower(query)
	queryTokens := tokenize(queryLower)

	var queryVec []float64
	if m.embedder != nil {
		vec, err := m.embedder.Embed(query)
		if err != nil {
			m.logger.Warn("embedder failed, using lexical signals only",
				slog.String("error", err.Error()),
			)
		} else {
			queryVec = vec
		}
	}

	var results []Match
	for _, c := range m.registry.List() {
		score := intentWeight*m.scoreIntents(queryLower, queryTokens, c) +
			tagWeight*m.scoreTags(queryTokens, c) +
			similarityWeight*m.scoreSimilarity(queryVec, c)

		if score >= threshold && score > 0 {
			results = append(results, Match{Capability: c, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Capability.ID < results[j].Capability.ID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// MatchBest returns the single top match, or false when nothing clears the
// threshold.
func (m *Matcher) MatchBest(query string, threshold float64) (Match, bool) {
	results := m.Match(query, 1, threshold)
	if len(results) == 0 {
		return Match{}, false
	}
	return results[0], true
}

// scoreIntents returns the best score across the capability's declared
// intent phrases: 1.0 for an exact/substring phrase hit, otherwise the
// token-overlap ratio when every meaningful intent token is rare enough to
// count.
func (m *Matcher) scoreIntents(queryLower string, queryTokens []string, c *Capability) float64 {
	best := 0.0
	querySet := tokenSet(queryTokens)

	for _, intent := range c.Intents {
		intentLower := strings.ToLower(intent)

		if strings.Contains(queryLower, intentLower) || strings.Contains(intentLower, queryLower) {
			return 1.0
		}

		intentTokens := tokenize(intentLower)
		if len(intentTokens) == 0 {
			continue
		}
		hits := 0
		for _, t := range intentTokens {
			if querySet[t] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		if s := float64(hits) / float64(len(intentTokens)); s > best {
			best = s
		}
	}
	return best
}

// scoreTags counts query tokens that hit declared tags.
func (m *Matcher) scoreTags(queryTokens []string, c *Capability) float64 {
	if len(c.Tags) == 0 {
		return 0
	}
	tags := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		tags[strings.ToLower(t)] = true
	}
	hits := 0
	for _, t := range queryTokens {
		if tags[t] {
			hits++
		}
	}
	return math.Min(1.0, float64(hits)*0.5)
}

// scoreSimilarity is the cosine similarity against the capability's worked
// examples and description, normalized to [0,1]. Zero whenever the
// embedder is absent or failed.
func (m *Matcher) scoreSimilarity(queryVec []float64, c *Capability) float64 {
	if queryVec == nil {
		return 0
	}
	capVec := m.capabilityEmbedding(c)
	if capVec == nil {
		return 0
	}
	sim := cosine(queryVec, capVec)
	return math.Max(0, (sim+1)/2)
}

func (m *Matcher) capabilityEmbedding(c *Capability) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, ok := m.embeddings[c.ID]; ok {
		return vec
	}

	parts := append([]string{c.Description}, c.Intents...)
	parts = append(parts, c.Examples...)
	vec, err := m.embedder.Embed(strings.Join(parts, " "))
	if err != nil {
		m.logger.Warn("embedding capability failed",
			slog.String("capability_id", c.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	m.embeddings[c.ID] = vec
	return vec
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenize splits text into lowercase word tokens, filtering stop words
// and very short tokens.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !matchStopWords[w] {
			result = append(result, w)
		}
	}
	return result
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

var matchStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"was": true, "one": true, "our": true, "out": true, "with": true,
	"that": true, "this": true, "from": true, "have": true, "been": true,
	"will": true, "they": true, "when": true, "what": true, "your": true,
	"which": true, "their": true, "about": true, "would": true,
	"there": true, "should": true, "each": true, "please": true,
}
