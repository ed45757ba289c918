// Package memory is the agent recall side-service: plain text entries
// with keyword-overlap ranking. No embeddings; recall quality is bounded
// by what a LIKE scan plus scoring can do.
package memory

import (
	"sort"
	"strings"

	"github.com/hiboss-dev/hiboss/internal/store"
)

// Service wraps the store's memory tables with keyword ranking.
type Service struct {
	store *store.Store
}

func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Store appends one memory entry for an agent.
func (s *Service) Store(agentName, content string) (*store.Memory, error) {
	return s.store.StoreMemory(agentName, content)
}

// Recall returns up to limit entries ranked by keyword overlap with the
// query; an empty query returns the newest entries.
func (s *Service) Recall(agentName, query string, limit int) ([]*store.Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(query) == "" {
		return s.store.RecallMemories(agentName, "", limit)
	}

	// Over-fetch unfiltered, then rank; a single-word LIKE would miss
	// multi-keyword queries.
	candidates, err := s.store.RecallMemories(agentName, "", limit*10)
	if err != nil {
		return nil, err
	}

	keywords := tokenize(query)
	type scored struct {
		m     *store.Memory
		score int
	}
	var ranked []scored
	for _, m := range candidates {
		sc := overlap(keywords, tokenize(m.Content))
		if sc > 0 {
			ranked = append(ranked, scored{m, sc})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].m.CreatedAt > ranked[j].m.CreatedAt
	})

	out := make([]*store.Memory, 0, limit)
	for _, r := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, r.m)
	}
	return out, nil
}

// Clear deletes all of an agent's entries.
func (s *Service) Clear(agentName string) (int64, error) {
	return s.store.ClearMemories(agentName)
}

func tokenize(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) >= 2 {
			set[w] = true
		}
	}
	return set
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
