package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/stratamem/strata-go/memory"
)

// EpisodeStore is an in-process Tier3Store. It keeps episodes in memory and
// performs naive entity extraction (capitalized tokens) so callers see the
// same result shape a real episodic backend would produce.
type EpisodeStore struct {
	mu       sync.Mutex
	episodes []episode
}

type episode struct {
	id       string
	content  string
	source   string
	metadata map[string]string
	entities []string
	addedAt  time.Time
}

// NewEpisodeStore creates an empty episode store.
func NewEpisodeStore() *EpisodeStore {
	return &EpisodeStore{}
}

// AddEpisode stores one episode and reports extracted entities. The local
// relationship model is adjacency: consecutive entities are linked.
func (s *EpisodeStore) AddEpisode(_ context.Context, content, source string, metadata map[string]string) (*memory.EpisodeResult, error) {
	entities := extractEntities(content)
	relationships := make([]string, 0)
	for i := 1; i < len(entities); i++ {
		relationships = append(relationships, entities[i-1]+"->"+entities[i])
	}

	ep := episode{
		id:       uuid.New().String(),
		content:  content,
		source:   source,
		metadata: metadata,
		entities: entities,
		addedAt:  time.Now(),
	}
	s.mu.Lock()
	s.episodes = append(s.episodes, ep)
	s.mu.Unlock()

	return &memory.EpisodeResult{
		EpisodeID:     ep.id,
		Entities:      entities,
		Relationships: relationships,
	}, nil
}

// Search scores episodes by query-term overlap and returns the best matches.
func (s *EpisodeStore) Search(_ context.Context, query string, limit int) ([]memory.EpisodeMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []memory.EpisodeMatch
	for _, ep := range s.episodes {
		score := overlapScore(strings.ToLower(ep.content), terms)
		if score == 0 {
			continue
		}
		matches = append(matches, memory.EpisodeMatch{
			ID:       ep.id,
			Content:  ep.content,
			Score:    score,
			Tags:     ep.entities,
			Metadata: ep.metadata,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Len returns how many episodes have been stored. Test helper.
func (s *EpisodeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.episodes)
}

func overlapScore(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// extractEntities pulls capitalized tokens out of the content, deduplicated
// in order of first appearance, capped at 16.
func extractEntities(content string) []string {
	seen := make(map[string]struct{})
	var entities []string
	for _, field := range strings.Fields(content) {
		token := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if token == "" {
			continue
		}
		first := []rune(token)[0]
		if !unicode.IsUpper(first) {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		entities = append(entities, token)
		if len(entities) >= 16 {
			break
		}
	}
	return entities
}
