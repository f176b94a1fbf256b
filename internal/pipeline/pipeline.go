package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/destekhq/destek-server/internal/logger"
)

// Source tags discriminate which stage produced a reply.
const (
	SourceStatic    = "static"
	SourceFuzzy     = "fuzzy"
	SourceSemantic  = "semantic"
	SourceVector    = "vector"
	SourceGenerator = "generator"
	SourceFallback  = "fallback"
)

// Candidate is a stage's proposed reply.
type Candidate struct {
	Reply      string
	SourceTag  string
	Confidence float64
}

// Result carries a stage outcome: a candidate, a decline (both nil), or a
// stage error. Stages communicate through the discriminator instead of
// control-flow exceptions.
type Result struct {
	Candidate *Candidate
	Err       error
}

// Decline is the empty result.
func Decline() Result {
	return Result{}
}

// Message is the per-request input shared by all stages. The normalization
// work happens once, up front.
type Message struct {
	Raw        string
	Normalized string   // Turkish-aware lowercased, trimmed, collapsed
	Folded     string   // Normalized with diacritics mapped to ASCII
	Tokens     []string // tokens of Folded
	Lemmas     []string // suffix-stripped tokens
	Locale     string
	UserRole   string
}

// NewMessage normalizes the raw text once for the whole pipeline.
func NewMessage(raw, locale, userRole string) *Message {
	normalized := NormalizeTurkish(raw)
	folded := FoldDiacritics(normalized)
	tokens := Tokenize(folded)
	return &Message{
		Raw:        raw,
		Normalized: normalized,
		Folded:     folded,
		Tokens:     tokens,
		Lemmas:     Lemmatize(tokens),
		Locale:     locale,
		UserRole:   userRole,
	}
}

// Stage is one step of the cascade. A stage enforces its own threshold: it
// returns a candidate only when the score qualifies.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, msg *Message) Result
}

// Stack runs stages in fixed order. The first candidate short-circuits the
// cascade; a later stage can never preempt an earlier hit. Stage errors are
// logged and treated as declines so a broken optional dependency degrades
// instead of failing the turn.
type Stack struct {
	stages []Stage
	logger *logger.Logger
}

// NewStack builds the cascade from the given stages.
func NewStack(log *logger.Logger, stages ...Stage) *Stack {
	return &Stack{
		stages: stages,
		logger: log.WithComponent("pipeline"),
	}
}

// Run evaluates the cascade and always returns a candidate: the final stage
// is expected to produce the deterministic fallback when everything else
// declines. Returns an error only when the request context is done.
func (s *Stack) Run(ctx context.Context, msg *Message) (*Candidate, error) {
	for _, stage := range s.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		result := stage.Evaluate(ctx, msg)
		if result.Err != nil {
			s.logger.Warn("stage errored, treating as decline",
				slog.String("stage", stage.Name()),
				slog.String("error", result.Err.Error()))
			continue
		}
		if result.Candidate != nil {
			s.logger.Debug("stage matched",
				slog.String("stage", stage.Name()),
				slog.String("source_tag", result.Candidate.SourceTag),
				slog.Float64("confidence", result.Candidate.Confidence),
				slog.Duration("took", time.Since(start)))
			return result.Candidate, nil
		}
	}

	// Only reachable when the stack was built without a terminal stage.
	return &Candidate{
		Reply:      FallbackReply,
		SourceTag:  SourceFallback,
		Confidence: 0,
	}, nil
}
