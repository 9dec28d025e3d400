// Package memory is the long-term semantic store: named collections of
// embedded records with cosine-similarity recall and RBAC post-filtering.
// The vector engine is an embedded chromem-go database owning its own
// directory; the store wraps it so callers only ever see canonical
// collection names.
package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/clock"
	"github.com/denidin/denidin/pkg/llm"
	"github.com/denidin/denidin/pkg/types"
)

// Metadata keys present on every record.
const (
	MetaScope     = "scope"
	MetaCreatedAt = "created_at"
	MetaType      = "type"
	MetaUserPhone = "user_phone"

	canonicalNameKey = "canonical_name"
)

// Record types.
const (
	TypeFact            = "fact"
	TypeSessionSummary  = "session_summary"
	TypeSummaryFallback = "session_summary_fallback"
)

// CollectionForChat derives the per-chat collection's canonical name.
func CollectionForChat(chatID string) string {
	return "memory_" + chatID
}

// Hit is one recall result.
type Hit struct {
	Content    string
	Similarity float32
	Collection string // canonical name
	Metadata   map[string]string
}

// Record is a stored memory record, returned by List.
type Record struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Store owns all memory records and their vector-store representation.
type Store struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc
	dir   string
	clk   clock.Clock
	log   zerolog.Logger

	mu    sync.Mutex
	names map[string]string // sanitised -> canonical
}

// New opens (or creates) the vector store under dir. Embeddings are
// generated through the given embedder. Initialisation failures wrap
// ErrInit; the caller should disable the memory path, not crash.
func New(dir string, embedder llm.Embedder, clk clock.Clock, log zerolog.Logger) (*Store, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "vectors"), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	s := &Store{
		db: db,
		embed: func(ctx context.Context, text string) ([]float32, error) {
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
			}
			return vec, nil
		},
		dir:   dir,
		clk:   clk,
		log:   log.With().Str("component", "memory_store").Logger(),
		names: make(map[string]string),
	}

	// Rebuild the canonical-name reverse map persisted alongside the catalog.
	saved, err := loadNames(s.namesPath())
	if err != nil {
		s.log.Warn().Err(err).Msg("loading collection name map failed")
	}
	for sanitised, canonical := range saved {
		s.names[sanitised] = canonical
	}
	for name := range db.ListCollections() {
		if _, ok := s.names[name]; !ok {
			s.names[name] = name
		}
	}
	return s, nil
}

func (s *Store) namesPath() string {
	return filepath.Join(s.dir, "catalog", "collections.json")
}

// CanonicalName returns the caller-facing name for an engine collection.
func (s *Store) CanonicalName(sanitised string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if canonical, ok := s.names[sanitised]; ok {
		return canonical
	}
	return sanitised
}

// collection resolves a canonical name to its engine collection, creating it
// lazily on first access.
func (s *Store) collection(canonical string, create bool) (*chromem.Collection, error) {
	sanitised := sanitiseName(canonical)

	if !create {
		if col := s.db.GetCollection(sanitised, s.embed); col != nil {
			return col, nil
		}
		return nil, nil
	}

	col, err := s.db.GetOrCreateCollection(sanitised, map[string]string{canonicalNameKey: canonical}, s.embed)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %q: %w", canonical, err)
	}

	s.mu.Lock()
	if s.names[sanitised] != canonical {
		s.names[sanitised] = canonical
		snapshot := make(map[string]string, len(s.names))
		for k, v := range s.names {
			snapshot[k] = v
		}
		if err := saveNames(s.namesPath(), snapshot); err != nil {
			s.log.Warn().Err(err).Msg("persisting collection name map failed")
		}
	}
	s.mu.Unlock()
	return col, nil
}

func (s *Store) catalogPath(canonical string) string {
	return filepath.Join(s.dir, "catalog", sanitiseName(canonical)+".jsonl")
}

// Remember embeds content and stores it in the named collection. Metadata
// defaults: scope=PRIVATE, type=fact, created_at=now. Returns the record id.
func (s *Store) Remember(ctx context.Context, content, collectionName string, metadata map[string]string) (string, error) {
	col, err := s.collection(collectionName, true)
	if err != nil {
		return "", err
	}

	meta := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	if meta[MetaScope] == "" {
		meta[MetaScope] = string(types.ScopePrivate)
	}
	if meta[MetaType] == "" {
		meta[MetaType] = TypeFact
	}
	meta[MetaCreatedAt] = s.clk.Now().Format("2006-01-02T15:04:05Z07:00")

	id := clock.NewID()
	if err := col.AddDocument(ctx, chromem.Document{
		ID:       id,
		Metadata: meta,
		Content:  content,
	}); err != nil {
		return "", fmt.Errorf("store record: %w", err)
	}

	if err := appendCatalog(s.catalogPath(collectionName), catalogEntry{
		ID:        id,
		Type:      meta[MetaType],
		Scope:     meta[MetaScope],
		CreatedAt: meta[MetaCreatedAt],
	}); err != nil {
		s.log.Warn().Str("collection", collectionName).Err(err).Msg("catalog append failed")
	}

	s.log.Debug().Str("collection", collectionName).Str("record_id", id).
		Str("type", meta[MetaType]).Msg("memory stored")
	return id, nil
}

// Recall embeds the query, searches each named collection, and returns the
// global top-k hits with similarity >= minSimilarity, sorted descending.
// Empty or missing collections are skipped, not errors.
func (s *Store) Recall(ctx context.Context, query string, collectionNames []string, topK int, minSimilarity float32) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	var hits []Hit
	for _, name := range collectionNames {
		col, err := s.collection(name, false)
		if err != nil {
			return nil, err
		}
		if col == nil {
			continue
		}

		n := topK
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}

		results, err := col.Query(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query collection %q: %w", name, err)
		}
		for _, r := range results {
			if r.Similarity < minSimilarity {
				continue
			}
			hits = append(hits, Hit{
				Content:    r.Content,
				Similarity: r.Similarity,
				Collection: name,
				Metadata:   r.Metadata,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// RecallWithScopeFilter post-filters Recall, retaining only hits whose scope
// is in allowedScopes.
func (s *Store) RecallWithScopeFilter(ctx context.Context, query string, collectionNames []string, topK int, minSimilarity float32, allowedScopes []types.Scope) ([]Hit, error) {
	hits, err := s.Recall(ctx, query, collectionNames, topK, minSimilarity)
	if err != nil {
		return nil, err
	}
	return filterHits(hits, func(h Hit) bool {
		return scopeAllowed(allowedScopes, h.Metadata[MetaScope])
	}), nil
}

// RecallWithRBACFilter composes the scope filter with an ownership filter.
// A hit passes ownership if its scope is PUBLIC or its user_phone matches.
// canSeeAllMemories skips the ownership filter but never the scope filter.
func (s *Store) RecallWithRBACFilter(ctx context.Context, query string, collectionNames []string, topK int, minSimilarity float32, userPhone string, allowedScopes []types.Scope, canSeeAllMemories bool) ([]Hit, error) {
	hits, err := s.RecallWithScopeFilter(ctx, query, collectionNames, topK, minSimilarity, allowedScopes)
	if err != nil {
		return nil, err
	}
	if canSeeAllMemories {
		return hits, nil
	}
	return filterHits(hits, func(h Hit) bool {
		if h.Metadata[MetaScope] == string(types.ScopePublic) {
			return true
		}
		return h.Metadata[MetaUserPhone] == userPhone
	}), nil
}

// List returns up to limit records of the collection, optionally filtered by
// type. Inspection aid; order follows insertion.
func (s *Store) List(ctx context.Context, collectionName string, limit int, typeFilter string) ([]Record, error) {
	col, err := s.collection(collectionName, false)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, nil
	}

	entries, err := loadCatalog(s.catalogPath(collectionName))
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if typeFilter != "" && e.Type != typeFilter {
			continue
		}
		doc, err := col.GetByID(ctx, e.ID)
		if err != nil {
			continue // deleted or unreadable
		}
		out = append(out, Record{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func filterHits(hits []Hit, keep func(Hit) bool) []Hit {
	out := hits[:0:0]
	for _, h := range hits {
		if keep(h) {
			out = append(out, h)
		}
	}
	return out
}

func scopeAllowed(allowed []types.Scope, scope string) bool {
	for _, a := range allowed {
		if string(a) == scope {
			return true
		}
	}
	return false
}
