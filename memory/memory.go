package memory

import (
	"context"
	"time"
)

// Tier1Store is the backend contract for the ephemeral cache tier.
// Implementations: inmem.Store (local SDK), redis.Store (production).
//
// Keys are flat strings; the Tier1 cache manager layers its namespace and
// tag-index key scheme on top. A zero TTL on Set means "no expiry".
type Tier1Store interface {
	// Get returns the value for key. The second return is false on miss.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key with the given TTL (zero = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Scan returns all keys matching a glob-style pattern ("prefix:*").
	Scan(ctx context.Context, pattern string) ([]string, error)

	// TTL returns the remaining lifetime of key. A negative duration means
	// the key has no expiry; a miss is reported by the second return.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// SAdd adds members to the set stored at key, creating it if needed.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key (nil if absent).
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// Expire sets the TTL of an existing key (zero = remove expiry).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// MemoryInfo reports used and maximum memory in bytes. A max of zero
	// means the store is unlimited.
	MemoryInfo(ctx context.Context) (used, max int64, err error)
}

// SemanticDocument is a record handed to the semantic tier for storage.
type SemanticDocument struct {
	// ID uniquely identifies the document within the namespace.
	ID string

	// Text is the raw content; kept alongside the embedding so search
	// results are directly usable.
	Text string

	// Embedding is the vector for Text. Must be set before Upsert.
	Embedding []float32

	// Metadata holds string-keyed scalars carried over from the source entry.
	Metadata map[string]string

	// Namespace partitions documents for multi-tenancy.
	Namespace string
}

// SemanticMatch is one semantic-search hit.
type SemanticMatch struct {
	ID       string
	Text     string
	Score    float64 // similarity in [0, 1]
	Metadata map[string]string
}

// Tier2Store is the backend contract for the long-term semantic tier.
// This core uses it only as an opaque migration and query target.
type Tier2Store interface {
	// Upsert stores or replaces a document.
	Upsert(ctx context.Context, doc SemanticDocument) error

	// Search returns up to limit documents ranked by similarity to the
	// query embedding, highest first.
	Search(ctx context.Context, namespace string, embedding []float32, limit int) ([]SemanticMatch, error)
}

// EpisodeResult describes an episode accepted by the episodic tier.
type EpisodeResult struct {
	EpisodeID     string
	Entities      []string
	Relationships []string
}

// EpisodeMatch is one episodic-search hit.
type EpisodeMatch struct {
	ID       string
	Content  string
	Score    float64
	Tags     []string
	Metadata map[string]string
}

// Tier3Store is the backend contract for the episodic/temporal tier.
// Entity and relationship extraction happen inside the store, not here.
type Tier3Store interface {
	// AddEpisode stores one episode and returns its ID plus whatever
	// entities and relationships the backend extracted.
	AddEpisode(ctx context.Context, content, source string, metadata map[string]string) (*EpisodeResult, error)

	// Search returns up to limit episodes relevant to the text query.
	Search(ctx context.Context, query string, limit int) ([]EpisodeMatch, error)
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local), cached (wrapper).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
