package pipeline

import (
	"context"
)

// orderBonus is the small score bonus when the message preserves the order
// of a multi-word trigger phrase.
const orderBonus = 0.05

// StaticStage matches the message against the intent catalogue. Each keyword
// is an alternative trigger phrase; the intent scores the best token-set
// Jaccard across its phrases, with a bonus when a multi-word phrase appears
// in order.
type StaticStage struct {
	catalogue *Catalogue
	threshold float64
}

// NewStaticStage creates the first stage of the cascade.
func NewStaticStage(catalogue *Catalogue, threshold float64) *StaticStage {
	return &StaticStage{catalogue: catalogue, threshold: threshold}
}

func (s *StaticStage) Name() string { return "static" }

func (s *StaticStage) Evaluate(ctx context.Context, msg *Message) Result {
	if s.catalogue.Empty() || len(msg.Tokens) == 0 {
		return Decline()
	}

	msgSet := tokenSet(msg.Tokens)

	best := -1
	bestScore := 0.0
	for i := range s.catalogue.Intents {
		score := s.scoreIntent(i, msg, msgSet)
		// Strictly greater keeps the lexicographically first intent on
		// ties; the catalogue is sorted by id.
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	if best < 0 {
		return Decline()
	}
	threshold := s.threshold
	if s.catalogue.Intents[best].Threshold > 0 {
		threshold = s.catalogue.Intents[best].Threshold
	}
	if bestScore < threshold {
		return Decline()
	}

	return Result{Candidate: &Candidate{
		Reply:      s.catalogue.Intents[best].Reply,
		SourceTag:  SourceStatic,
		Confidence: bestScore,
	}}
}

func (s *StaticStage) scoreIntent(i int, msg *Message, msgSet map[string]struct{}) float64 {
	best := 0.0
	for p, phraseSet := range s.catalogue.phraseSets[i] {
		score := jaccard(msgSet, phraseSet)
		seq := s.catalogue.phraseSeqs[i][p]
		if score > 0 && len(seq) > 1 && preservesOrder(msg.Tokens, seq) {
			score += orderBonus
			if score > 1 {
				score = 1
			}
		}
		if score > best {
			best = score
		}
	}
	return best
}

// preservesOrder reports whether the phrase tokens that appear in the
// message appear in the same relative order.
func preservesOrder(tokens, phrase []string) bool {
	positions := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		if _, ok := positions[tok]; !ok {
			positions[tok] = i
		}
	}

	last := -1
	matched := 0
	for _, kw := range phrase {
		pos, ok := positions[kw]
		if !ok {
			continue
		}
		if pos < last {
			return false
		}
		last = pos
		matched++
	}
	return matched >= 2
}
