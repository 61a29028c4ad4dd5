// Package chromem adapts chromem-go, a pure Go embedded vector database,
// to the Tier2 semantic store contract. Each namespace maps to its own
// collection.
package chromem

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stratamem/strata-go/memory"
)

// Store is a Tier2Store backed by chromem-go.
type Store struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// New creates an in-process semantic store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// getOrCreateCollection returns the collection for a namespace.
func (s *Store) getOrCreateCollection(namespace string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[namespace]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[namespace]; exists {
		return col, nil
	}

	collectionName := fmt.Sprintf("ns_%s", namespace)
	if namespace == "" {
		collectionName = "default"
	}

	col, err := s.db.CreateCollection(
		collectionName,
		nil, // No custom embedding func (we provide embeddings)
		nil, // No custom distance func (use default cosine)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s.collections[namespace] = col
	return col, nil
}

// Upsert stores or replaces a document in its namespace's collection.
func (s *Store) Upsert(ctx context.Context, doc memory.SemanticDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document embedding is required")
	}

	col, err := s.getOrCreateCollection(doc.Namespace)
	if err != nil {
		return err
	}

	log.Printf("[CHROMEM] Storing document: id=%s, ns=%s", doc.ID, doc.Namespace)

	metadata := make(map[string]string, len(doc.Metadata))
	for k, v := range doc.Metadata {
		metadata[k] = v
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Text,
		Embedding: doc.Embedding,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns up to limit documents ranked by similarity to the query
// embedding, highest first.
func (s *Store) Search(ctx context.Context, namespace string, embedding []float32, limit int) ([]memory.SemanticMatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	col, err := s.getOrCreateCollection(namespace)
	if err != nil {
		return nil, err
	}

	log.Printf("[CHROMEM] Querying ns=%s, limit=%d", namespace, limit)

	// chromem-go requires nResults <= collection size.
	// Retry with smaller limits if necessary.
	var results []chromem.Result
	for currentLimit := limit; currentLimit >= 1; currentLimit-- {
		var err error
		results, err = col.QueryEmbedding(ctx, embedding, currentLimit, nil, nil)
		if err == nil {
			break
		}

		if isInsufficientDocsError(err) {
			if currentLimit == 1 {
				// Collection is empty
				return nil, nil
			}
			continue
		}

		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]memory.SemanticMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.SemanticMatch{
			ID:       r.ID,
			Text:     r.Content,
			Score:    clampUnit(float64(r.Similarity)),
			Metadata: r.Metadata,
		})
	}
	return matches, nil
}

// Close releases resources. chromem-go keeps everything in memory, so this
// is a no-op kept for interface symmetry with the redis store.
func (s *Store) Close() error {
	return nil
}

// isInsufficientDocsError checks if the error is chromem rejecting an
// nResults larger than the collection.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
