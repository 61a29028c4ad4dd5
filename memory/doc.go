// Package memory defines the collaborator interfaces of the tiered memory
// core: the backing stores for each tier and the embedding provider.
//
// The memory system is a three-tier hierarchy:
//   - Tier1: ephemeral TTL cache (managed by memory/tier1)
//   - Tier2: long-term semantic store (vector search)
//   - Tier3: episodic/temporal store (conversation episodes)
//
// Architecture:
//   - Tier1Store / Tier2Store / Tier3Store: opaque backend services this
//     core writes to and queries. Their internals are out of scope.
//   - Embedder: text-to-vector conversion, used for Tier2 writes and for
//     near-duplicate detection during consolidation.
//   - Router (memory/router): decides which tiers to consult and fans out
//     parallel lookups.
//   - Pipeline (memory/consolidate): scores, deduplicates and migrates
//     high-value entries between tiers on a schedule.
//
// Local implementations:
//   - store/inmem: in-process Tier1 and Tier3 backends for development
//   - store/chromem: chromem-go Tier2 backend (embedded vector database)
//   - store/redis: Redis Tier1 backend for production
//   - embedder/mock, embedder/onnx, embedder/cached
package memory
