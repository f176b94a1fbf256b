package pipeline

import (
	"context"
)

// FallbackReply is the deterministic polite decline used when every stage
// declined and the generator is unavailable.
const FallbackReply = "Üzgünüm, bu konuda size yardımcı olamıyorum. Sorunuzu farklı şekilde ifade edebilir misiniz?"

// generatorConfidence is the fixed confidence assigned to generated replies.
const generatorConfidence = 0.5

// Generator is the language-model fallback producer. The implementation is
// out of scope for the core; the circuit breaker isolates whatever is
// injected.
type Generator interface {
	Reply(ctx context.Context, message string, convContext []string) (text string, usedTokens int, err error)
	HealthCheck(ctx context.Context) error
}

// Guard limits calls into an optional dependency. Satisfied by
// *circuit.Breaker.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// GeneratorStage is the terminal stage: it never declines. When the
// generator errors or its circuit is open it produces the deterministic
// fallback reply instead.
type GeneratorStage struct {
	generator Generator
	breaker   Guard
}

// NewGeneratorStage creates the last stage of the cascade. generator may be
// nil; the stage then always falls back.
func NewGeneratorStage(generator Generator, breaker Guard) *GeneratorStage {
	return &GeneratorStage{generator: generator, breaker: breaker}
}

func (s *GeneratorStage) Name() string { return "generator" }

func (s *GeneratorStage) Evaluate(ctx context.Context, msg *Message) Result {
	if s.generator == nil {
		return fallbackResult()
	}

	var text string
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		text, _, err = s.generator.Reply(ctx, msg.Raw, nil)
		return err
	})
	if err != nil {
		// Open circuit and generator failure degrade the same way; the
		// client still gets a reply.
		return fallbackResult()
	}

	return Result{Candidate: &Candidate{
		Reply:      text,
		SourceTag:  SourceGenerator,
		Confidence: generatorConfidence,
	}}
}

func fallbackResult() Result {
	return Result{Candidate: &Candidate{
		Reply:      FallbackReply,
		SourceTag:  SourceFallback,
		Confidence: 0,
	}}
}
