package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/destekhq/destek-server/internal/circuit"
)

// Document kinds returned by the vector index. FAQ rows carry a curated
// reply; generic documents carry extracted text.
const (
	DocKindFAQ      = "faq"
	DocKindDocument = "document"
)

// Document is one vector-index hit.
type Document struct {
	ID    string
	Kind  string
	Reply string
	Score float64 // cosine similarity to the query
}

// Embedder produces the query embedding for the semantic stage.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex answers top-K nearest-neighbour queries by cosine similarity.
type VectorIndex interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]Document, error)
	HealthCheck(ctx context.Context) error
}

// SemanticConfig carries the acceptance rule thresholds.
type SemanticConfig struct {
	TopK      int
	CosineMin float64 // top1 must reach this
	Margin    float64 // or top1-top2 must reach Margin ...
	Override  float64 // ... unless top1 alone reaches Override
}

// SemanticStage embeds the message and searches the vector index. The stage
// declines, never errors, when the embedder or index is missing or its
// breaker is open: semantic search is an optional subsystem.
type SemanticStage struct {
	embedder Embedder
	index    VectorIndex
	config   SemanticConfig
	breaker  *circuit.Breaker
}

// NewSemanticStage creates the third stage of the cascade. embedder and
// index may be nil; the stage then always declines.
func NewSemanticStage(embedder Embedder, index VectorIndex, config SemanticConfig, breaker *circuit.Breaker) *SemanticStage {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	return &SemanticStage{
		embedder: embedder,
		index:    index,
		config:   config,
		breaker:  breaker,
	}
}

func (s *SemanticStage) Name() string { return "semantic" }

func (s *SemanticStage) Evaluate(ctx context.Context, msg *Message) Result {
	if s.embedder == nil || s.index == nil {
		return Decline()
	}

	var docs []Document
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		embedding, err := s.embedder.Embed(ctx, msg.Normalized)
		if err != nil {
			return fmt.Errorf("embed failed: %w", err)
		}
		docs, err = s.index.Search(ctx, embedding, s.config.TopK)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, circuit.ErrOpen) {
			return Decline()
		}
		return Result{Err: err}
	}

	if len(docs) == 0 {
		return Decline()
	}

	top1 := docs[0]
	if top1.Score < s.config.CosineMin {
		return Decline()
	}
	if len(docs) > 1 {
		margin := top1.Score - docs[1].Score
		if margin < s.config.Margin && top1.Score < s.config.Override {
			// Too ambiguous to trust.
			return Decline()
		}
	}

	tag := SourceVector
	if top1.Kind == DocKindFAQ {
		tag = SourceSemantic
	}
	return Result{Candidate: &Candidate{
		Reply:      top1.Reply,
		SourceTag:  tag,
		Confidence: top1.Score,
	}}
}

// MemoryIndex is a brute-force cosine VectorIndex, good enough for small
// curated FAQ corpora and for tests.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []indexedDoc
}

type indexedDoc struct {
	doc       Document
	embedding []float32
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Add inserts a document with its embedding.
func (m *MemoryIndex) Add(doc Document, embedding []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, indexedDoc{doc: doc, embedding: embedding})
}

func (m *MemoryIndex) Search(ctx context.Context, embedding []float32, topK int) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		doc := d.doc
		doc.Score = Cosine(embedding, d.embedding)
		out = append(out, doc)
	}
	// Descending score, ascending document id on ties.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryIndex) HealthCheck(ctx context.Context) error {
	return nil
}

// Cosine computes cosine similarity; zero vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
