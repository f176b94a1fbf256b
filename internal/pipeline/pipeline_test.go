package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/destekhq/destek-server/internal/circuit"
	"github.com/destekhq/destek-server/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func testBreaker() *circuit.Breaker {
	return circuit.New("test", circuit.Config{FailureThreshold: 5, OpenDuration: 30 * time.Second}, testLogger())
}

func greetingCatalogue() *Catalogue {
	return NewCatalogue([]Intent{
		{ID: "greeting", Keywords: []string{"merhaba", "selam"}, Reply: "Merhaba!"},
		{ID: "hours", Keywords: []string{"çalışma saatleri", "mesai"}, Reply: "09:00-18:00 arası açığız."},
	})
}

// Static stage

func TestStaticStageExactMatch(t *testing.T) {
	stage := NewStaticStage(greetingCatalogue(), 0.6)
	msg := NewMessage("merhaba", "tr", "user")

	result := stage.Evaluate(context.Background(), msg)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	if result.Candidate.Reply != "Merhaba!" {
		t.Errorf("expected Merhaba!, got %q", result.Candidate.Reply)
	}
	if result.Candidate.SourceTag != SourceStatic {
		t.Errorf("expected static tag, got %q", result.Candidate.SourceTag)
	}
	if result.Candidate.Confidence < 0.6 {
		t.Errorf("expected confidence >= 0.6, got %f", result.Candidate.Confidence)
	}
}

func TestStaticStageDiacriticFolding(t *testing.T) {
	stage := NewStaticStage(greetingCatalogue(), 0.6)
	// "calisma saatleri" must hit the "çalışma saatleri" phrase.
	msg := NewMessage("calisma saatleri", "tr", "user")

	result := stage.Evaluate(context.Background(), msg)
	if result.Candidate == nil {
		t.Fatal("expected folded input to match")
	}
	if result.Candidate.Reply != "09:00-18:00 arası açığız." {
		t.Errorf("unexpected reply %q", result.Candidate.Reply)
	}
}

func TestStaticStageDeclinesBelowThreshold(t *testing.T) {
	stage := NewStaticStage(greetingCatalogue(), 0.6)
	msg := NewMessage("bugün hava çok güzel", "tr", "user")

	result := stage.Evaluate(context.Background(), msg)
	if result.Candidate != nil || result.Err != nil {
		t.Errorf("expected decline, got %+v", result)
	}
}

func TestStaticStageEmptyCatalogue(t *testing.T) {
	stage := NewStaticStage(NewCatalogue(nil), 0.6)
	result := stage.Evaluate(context.Background(), NewMessage("merhaba", "tr", "user"))
	if result.Candidate != nil {
		t.Error("empty catalogue must decline")
	}
}

func TestStaticStageTieBreaksByIntentID(t *testing.T) {
	cat := NewCatalogue([]Intent{
		{ID: "b-intent", Keywords: []string{"ortak"}, Reply: "b"},
		{ID: "a-intent", Keywords: []string{"ortak"}, Reply: "a"},
	})
	stage := NewStaticStage(cat, 0.5)

	result := stage.Evaluate(context.Background(), NewMessage("ortak", "tr", "user"))
	if result.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	if result.Candidate.Reply != "a" {
		t.Errorf("tie must break to the lexicographically first intent, got %q", result.Candidate.Reply)
	}
}

// Fuzzy stage

func TestFuzzyStageSynonymExpansion(t *testing.T) {
	synonyms := SynonymDict{"naber": []string{"merhaba"}}
	stage := NewFuzzyStage(greetingCatalogue(), synonyms, 0.55)

	result := stage.Evaluate(context.Background(), NewMessage("naber", "tr", "user"))
	if result.Candidate == nil {
		t.Fatal("expected synonym expansion to match")
	}
	if result.Candidate.SourceTag != SourceFuzzy {
		t.Errorf("expected fuzzy tag, got %q", result.Candidate.SourceTag)
	}
	if result.Candidate.Reply != "Merhaba!" {
		t.Errorf("unexpected reply %q", result.Candidate.Reply)
	}
}

func TestFuzzyStageInflectedForm(t *testing.T) {
	cat := NewCatalogue([]Intent{
		{ID: "siparis", Keywords: []string{"sipariş durumu"}, Reply: "Siparişinizi kontrol ediyorum."},
	})
	stage := NewFuzzyStage(cat, SynonymDict{}, 0.55)

	// "siparişimin durumu" carries possessive suffixes the static stage
	// cannot see past.
	result := stage.Evaluate(context.Background(), NewMessage("siparişimin durumu", "tr", "user"))
	if result.Candidate == nil {
		t.Fatal("expected inflected form to match via lemma overlap")
	}
}

func TestFuzzyStageDeclines(t *testing.T) {
	stage := NewFuzzyStage(greetingCatalogue(), SynonymDict{}, 0.55)
	result := stage.Evaluate(context.Background(), NewMessage("tamamen alakasız bir cümle", "tr", "user"))
	if result.Candidate != nil {
		t.Errorf("expected decline, got %+v", result.Candidate)
	}
}

func TestFuzzyStageBigramTermIsJaccard(t *testing.T) {
	cat := NewCatalogue([]Intent{
		{ID: "kayit", Keywords: []string{"kayıt"}, Reply: "Kayıt işlemleri için profil sayfasını kullanın."},
	})

	// "kayıtlar" contains every bigram of "kayıt" plus three of its own, so
	// the bigram term is 4/7. Intersection over the smaller set would score
	// it 1.0 and push the composite to 0.5.
	msg := NewMessage("kayıtlar", "tr", "user")

	strict := NewFuzzyStage(cat, SynonymDict{}, 0.45)
	if result := strict.Evaluate(context.Background(), msg); result.Candidate != nil {
		t.Errorf("expected decline at threshold 0.45, got confidence %f", result.Candidate.Confidence)
	}

	loose := NewFuzzyStage(cat, SynonymDict{}, 0.3)
	result := loose.Evaluate(context.Background(), msg)
	if result.Candidate == nil {
		t.Fatal("expected a candidate at threshold 0.3")
	}
	want := 0.3*(4.0/7.0) + 0.2 // no shared token, full lemma overlap
	if math.Abs(result.Candidate.Confidence-want) > 1e-9 {
		t.Errorf("expected composite %f, got %f", want, result.Candidate.Confidence)
	}
}

// Semantic stage

type fixedEmbedder struct{ vec []float32 }

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

type failingEmbedder struct{}

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedder down")
}

func semanticConfig() SemanticConfig {
	return SemanticConfig{TopK: 5, CosineMin: 0.72, Margin: 0.05, Override: 0.85}
}

func TestSemanticStageAccepts(t *testing.T) {
	index := NewMemoryIndex()
	index.Add(Document{ID: "faq-1", Kind: DocKindFAQ, Reply: "Kargo 2 gün sürer."}, []float32{1, 0})
	index.Add(Document{ID: "doc-9", Kind: DocKindDocument, Reply: "irrelevant"}, []float32{0, 1})

	stage := NewSemanticStage(&fixedEmbedder{vec: []float32{1, 0}}, index, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("kargo ne zaman gelir", "tr", "user"))

	if result.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	if result.Candidate.SourceTag != SourceSemantic {
		t.Errorf("FAQ hit should be tagged semantic, got %q", result.Candidate.SourceTag)
	}
	if result.Candidate.Reply != "Kargo 2 gün sürer." {
		t.Errorf("unexpected reply %q", result.Candidate.Reply)
	}
}

func TestSemanticStageDocumentTag(t *testing.T) {
	index := NewMemoryIndex()
	index.Add(Document{ID: "doc-1", Kind: DocKindDocument, Reply: "from a document"}, []float32{1, 0})

	stage := NewSemanticStage(&fixedEmbedder{vec: []float32{1, 0}}, index, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))

	if result.Candidate == nil || result.Candidate.SourceTag != SourceVector {
		t.Errorf("document hit should be tagged vector, got %+v", result.Candidate)
	}
}

func TestSemanticStageRejectsLowCosine(t *testing.T) {
	index := NewMemoryIndex()
	// cosine([1,1]/sqrt2, [1,0]) ~= 0.707 < 0.72
	index.Add(Document{ID: "faq-1", Kind: DocKindFAQ, Reply: "r"}, []float32{1, 0})

	stage := NewSemanticStage(&fixedEmbedder{vec: []float32{1, 1}}, index, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))
	if result.Candidate != nil {
		t.Errorf("cosine below minimum must decline, got %+v", result.Candidate)
	}
}

func TestSemanticStageRejectsAmbiguousTop2(t *testing.T) {
	index := NewMemoryIndex()
	// Both docs land around 0.78-0.79: above CosineMin, margin below 0.05,
	// top1 below the 0.85 override.
	index.Add(Document{ID: "a", Kind: DocKindFAQ, Reply: "a"}, []float32{0.79, 0.61})
	index.Add(Document{ID: "b", Kind: DocKindFAQ, Reply: "b"}, []float32{0.78, 0.63})

	stage := NewSemanticStage(&fixedEmbedder{vec: []float32{1, 0}}, index, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))
	if result.Candidate != nil {
		t.Errorf("ambiguous neighbours must decline, got %+v", result.Candidate)
	}
}

func TestSemanticStageOverrideBeatsMargin(t *testing.T) {
	index := NewMemoryIndex()
	index.Add(Document{ID: "a", Kind: DocKindFAQ, Reply: "a"}, []float32{1, 0.01})
	index.Add(Document{ID: "b", Kind: DocKindFAQ, Reply: "b"}, []float32{1, 0.05})

	stage := NewSemanticStage(&fixedEmbedder{vec: []float32{1, 0}}, index, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))
	if result.Candidate == nil {
		t.Fatal("top1 above override must be accepted despite a thin margin")
	}
	if result.Candidate.Reply != "a" {
		t.Errorf("expected the closer document, got %q", result.Candidate.Reply)
	}
}

func TestSemanticStageErrorBecomesStageError(t *testing.T) {
	index := NewMemoryIndex()
	stage := NewSemanticStage(&failingEmbedder{}, index, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))
	if result.Err == nil {
		t.Error("embedder failure should surface as a stage error")
	}
	if result.Candidate != nil {
		t.Error("failed stage must not produce a candidate")
	}
}

func TestSemanticStageNilDependenciesDecline(t *testing.T) {
	stage := NewSemanticStage(nil, nil, semanticConfig(), testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))
	if result.Candidate != nil || result.Err != nil {
		t.Errorf("missing dependencies must decline, got %+v", result)
	}
}

// Generator stage

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Reply(ctx context.Context, message string, convContext []string) (string, int, error) {
	if g.err != nil {
		return "", 0, g.err
	}
	return g.reply, len(g.reply) / 4, nil
}

func (g *stubGenerator) HealthCheck(ctx context.Context) error { return g.err }

func TestGeneratorStageProduces(t *testing.T) {
	stage := NewGeneratorStage(&stubGenerator{reply: "Bilmiyorum."}, testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))

	if result.Candidate == nil {
		t.Fatal("expected a candidate")
	}
	if result.Candidate.SourceTag != SourceGenerator {
		t.Errorf("expected generator tag, got %q", result.Candidate.SourceTag)
	}
	if result.Candidate.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %f", result.Candidate.Confidence)
	}
}

func TestGeneratorStageFallsBackOnError(t *testing.T) {
	stage := NewGeneratorStage(&stubGenerator{err: errors.New("model down")}, testBreaker())
	result := stage.Evaluate(context.Background(), NewMessage("soru", "tr", "user"))

	if result.Candidate == nil {
		t.Fatal("expected the fallback candidate")
	}
	if result.Candidate.SourceTag != SourceFallback {
		t.Errorf("expected fallback tag, got %q", result.Candidate.SourceTag)
	}
	if result.Candidate.Confidence != 0 {
		t.Errorf("fallback confidence must be 0, got %f", result.Candidate.Confidence)
	}
	if result.Candidate.Reply != FallbackReply {
		t.Errorf("expected the deterministic decline, got %q", result.Candidate.Reply)
	}
}

func TestGeneratorStageFallsBackWhenCircuitOpen(t *testing.T) {
	breaker := circuit.New("gen", circuit.Config{FailureThreshold: 1, OpenDuration: time.Minute}, testLogger())
	gen := &stubGenerator{err: errors.New("model down")}
	stage := NewGeneratorStage(gen, breaker)

	ctx := context.Background()
	stage.Evaluate(ctx, NewMessage("a", "tr", "user")) // trips the breaker

	gen.err = nil
	gen.reply = "back"
	result := stage.Evaluate(ctx, NewMessage("b", "tr", "user"))
	if result.Candidate == nil || result.Candidate.SourceTag != SourceFallback {
		t.Errorf("open circuit must produce the fallback, got %+v", result.Candidate)
	}
}

// Full stack

func buildStack(cat *Catalogue, syn SynonymDict, emb Embedder, idx VectorIndex, gen Generator) *Stack {
	return NewStack(testLogger(),
		NewStaticStage(cat, 0.6),
		NewFuzzyStage(cat, syn, 0.55),
		NewSemanticStage(emb, idx, semanticConfig(), testBreaker()),
		NewGeneratorStage(gen, testBreaker()),
	)
}

func TestStackStaticShortCircuits(t *testing.T) {
	// The generator would answer, but the static hit must win.
	stack := buildStack(greetingCatalogue(), SynonymDict{}, nil, nil, &stubGenerator{reply: "generated"})

	candidate, err := stack.Run(context.Background(), NewMessage("merhaba", "tr", "user"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if candidate.SourceTag != SourceStatic {
		t.Errorf("earlier stage must win, got %q", candidate.SourceTag)
	}
}

func TestStackCascadesToGenerator(t *testing.T) {
	// Empty catalogue, weak vector hit: everything declines until the
	// generator.
	index := NewMemoryIndex()
	index.Add(Document{ID: "d", Kind: DocKindFAQ, Reply: "r"}, []float32{0.6, 0.8})

	stack := buildStack(NewCatalogue(nil), SynonymDict{}, &fixedEmbedder{vec: []float32{1, 0}}, index,
		&stubGenerator{reply: "Bilmiyorum."})

	candidate, err := stack.Run(context.Background(), NewMessage("soru", "tr", "user"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if candidate.SourceTag != SourceGenerator {
		t.Errorf("expected generator tag, got %q", candidate.SourceTag)
	}
	if candidate.Reply != "Bilmiyorum." {
		t.Errorf("unexpected reply %q", candidate.Reply)
	}
}

func TestStackCancelledContext(t *testing.T) {
	stack := buildStack(greetingCatalogue(), SynonymDict{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stack.Run(ctx, NewMessage("merhaba", "tr", "user")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
