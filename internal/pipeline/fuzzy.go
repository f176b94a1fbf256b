package pipeline

import (
	"context"
	"strings"
)

// Composite score weights for the fuzzy stage.
const (
	fuzzyTokenWeight  = 0.5
	fuzzyBigramWeight = 0.3
	fuzzyLemmaWeight  = 0.2
)

// FuzzyStage rescores the catalogue after synonym expansion. Per trigger
// phrase the composite blends a token-set ratio, character-bigram Jaccard
// and lemma overlap, which tolerates inflection and small typos that defeat
// the static stage. The token and lemma terms use the overlap coefficient
// (intersection over the smaller set) so that synonym expansion inflating
// the message side cannot make a match worse.
type FuzzyStage struct {
	catalogue *Catalogue
	synonyms  SynonymDict
	threshold float64
}

// NewFuzzyStage creates the second stage of the cascade.
func NewFuzzyStage(catalogue *Catalogue, synonyms SynonymDict, threshold float64) *FuzzyStage {
	return &FuzzyStage{catalogue: catalogue, synonyms: synonyms, threshold: threshold}
}

func (s *FuzzyStage) Name() string { return "fuzzy" }

func (s *FuzzyStage) Evaluate(ctx context.Context, msg *Message) Result {
	if s.catalogue.Empty() || len(msg.Tokens) == 0 {
		return Decline()
	}

	expanded := s.synonyms.Expand(msg.Tokens)
	expandedSet := tokenSet(expanded)
	expandedLemmas := tokenSet(Lemmatize(expanded))
	msgBigrams := bigrams(strings.Join(expanded, " "))

	best := -1
	bestScore := 0.0
	for i := range s.catalogue.Intents {
		score := s.scoreIntent(i, expandedSet, expandedLemmas, msgBigrams)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	if best < 0 || bestScore < s.threshold {
		return Decline()
	}

	return Result{Candidate: &Candidate{
		Reply:      s.catalogue.Intents[best].Reply,
		SourceTag:  SourceFuzzy,
		Confidence: bestScore,
	}}
}

func (s *FuzzyStage) scoreIntent(i int, expandedSet, expandedLemmas map[string]struct{}, msgBigrams map[string]struct{}) float64 {
	best := 0.0
	for p, phraseSet := range s.catalogue.phraseSets[i] {
		seq := s.catalogue.phraseSeqs[i][p]

		tokenScore := overlap(expandedSet, phraseSet)
		bigramScore := jaccard(msgBigrams, bigrams(strings.Join(seq, " ")))
		lemmaScore := overlap(expandedLemmas, tokenSet(Lemmatize(seq)))

		score := fuzzyTokenWeight*tokenScore + fuzzyBigramWeight*bigramScore + fuzzyLemmaWeight*lemmaScore
		if score > best {
			best = score
		}
	}
	return best
}

// overlap is the overlap coefficient: intersection over the smaller set.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(inter) / float64(smaller)
}
