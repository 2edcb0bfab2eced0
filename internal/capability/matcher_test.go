package capability

import (
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T, caps ...*Capability) *Registry {
	t.Helper()
	reg := NewRegistry(nil)
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}
	return reg
}

func TestMatcher_IntentPhrase(t *testing.T) {
	reg := newTestRegistry(t,
		&Capability{
			ID: "spreadsheet-analyzer", Type: ExecutionCode,
			Intents: []string{"analyze spreadsheet"},
			Tags:    []string{"excel", "xlsx"},
		},
		&Capability{
			ID: "pdf-extractor", Type: ExecutionCode,
			Intents: []string{"extract text from pdf"},
		},
	)
	m := NewMatcher(reg, nil, nil)

	results := m.Match("please analyze this spreadsheet for me", 5, 0.3)
	if len(results) == 0 {
		t.Fatal("expected at least one match")
	}
	if results[0].Capability.ID != "spreadsheet-analyzer" {
		t.Errorf("top match = %q, want spreadsheet-analyzer", results[0].Capability.ID)
	}
	if results[0].Score <= 0.3 {
		t.Errorf("score = %f, want > 0.3", results[0].Score)
	}
}

// Every capability with an intent phrase must match its own phrase.
func TestMatcher_IntentSelfMatch(t *testing.T) {
	caps := []*Capability{
		{ID: "a", Type: ExecutionCode, Intents: []string{"convert image to png"}},
		{ID: "b", Type: ExecutionTool, Intents: []string{"search the web"}},
		{ID: "c", Type: ExecutionGenerative, Intents: []string{"summarize document"}},
	}
	reg := newTestRegistry(t, caps...)
	m := NewMatcher(reg, nil, nil)

	for _, c := range caps {
		results := m.Match(c.Intents[0], 10, 0)
		found := false
		for _, r := range results {
			if r.Capability.ID == c.ID && r.Score > 0 {
				found = true
			}
		}
		if !found {
			t.Errorf("capability %s did not match its own intent %q", c.ID, c.Intents[0])
		}
	}
}

func TestMatcher_ThresholdFilters(t *testing.T) {
	reg := newTestRegistry(t,
		&Capability{ID: "a", Type: ExecutionCode, Intents: []string{"resize image files"}},
	)
	m := NewMatcher(reg, nil, nil)

	if got := m.Match("completely unrelated query about gardening", 5, 0.3); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestMatcher_TieBreakByID(t *testing.T) {
	// Identical descriptors except for ID: scores tie, IDs order the result.
	reg := newTestRegistry(t,
		&Capability{ID: "bravo", Type: ExecutionCode, Intents: []string{"process data"}},
		&Capability{ID: "alpha", Type: ExecutionCode, Intents: []string{"process data"}},
	)
	m := NewMatcher(reg, nil, nil)

	results := m.Match("process data", 5, 0)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Capability.ID != "alpha" || results[1].Capability.ID != "bravo" {
		t.Errorf("tie order = [%s %s], want [alpha bravo]",
			results[0].Capability.ID, results[1].Capability.ID)
	}
}

func TestMatcher_TopKLimit(t *testing.T) {
	reg := newTestRegistry(t,
		&Capability{ID: "a", Type: ExecutionCode, Intents: []string{"process data"}},
		&Capability{ID: "b", Type: ExecutionCode, Intents: []string{"process data"}},
		&Capability{ID: "c", Type: ExecutionCode, Intents: []string{"process data"}},
	)
	m := NewMatcher(reg, nil, nil)

	if got := m.Match("process data", 2, 0); len(got) != 2 {
		t.Errorf("got %d results, want 2", len(got))
	}
}

func TestMatcher_MatchBest(t *testing.T) {
	reg := newTestRegistry(t,
		&Capability{ID: "a", Type: ExecutionCode, Intents: []string{"compress video"}},
	)
	m := NewMatcher(reg, nil, nil)

	best, ok := m.MatchBest("compress video", 0.1)
	if !ok {
		t.Fatal("expected a best match")
	}
	if best.Capability.ID != "a" {
		t.Errorf("best = %q, want a", best.Capability.ID)
	}

	if _, ok := m.MatchBest("nothing relevant here", 0.3); ok {
		t.Error("expected no best match")
	}
}

// fakeEmbedder maps text to a fixed vector per keyword for similarity tests.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(text string) ([]float64, error) {
	if f.fail {
		return nil, errors.New("embedder offline")
	}
	// Trivial bag-of-letters embedding; enough to be deterministic.
	vec := make([]float64, 26)
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

func TestMatcher_EmbedderBoostsScore(t *testing.T) {
	c := &Capability{
		ID: "a", Type: ExecutionCode,
		Intents:  []string{"transcode media"},
		Examples: []string{"transcode media files to mp4"},
	}
	lexical := NewMatcher(newTestRegistry(t, c), nil, nil)
	semantic := NewMatcher(newTestRegistry(t, c), &fakeEmbedder{}, nil)

	query := "transcode media"
	lexScore := lexical.Match(query, 1, 0)[0].Score
	semScore := semantic.Match(query, 1, 0)[0].Score
	if semScore <= lexScore {
		t.Errorf("semantic score %f not above lexical %f", semScore, lexScore)
	}
}

// A failing embedder must degrade to lexical matching, not break matching.
func TestMatcher_EmbedderFailureDegrades(t *testing.T) {
	reg := newTestRegistry(t,
		&Capability{ID: "a", Type: ExecutionCode, Intents: []string{"analyze logs"}},
	)
	m := NewMatcher(reg, &fakeEmbedder{fail: true}, nil)

	results := m.Match("analyze logs", 5, 0.1)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}
