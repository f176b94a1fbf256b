package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
)

// Intent is one catalogue row: a keyword set mapped to a reply template.
type Intent struct {
	ID        string   `yaml:"id"`
	Keywords  []string `yaml:"keywords"`
	Reply     string   `yaml:"reply"`
	Threshold float64  `yaml:"threshold,omitempty"` // optional per-intent override
}

// Catalogue is the precomputed intent set shared by the static and fuzzy
// stages. Intents are kept sorted by id so ties break deterministically.
// Each keyword is an alternative trigger phrase; its tokens are folded once
// at load time.
type Catalogue struct {
	Intents []Intent
	// per intent: one token set and token sequence per keyword phrase
	phraseSets [][]map[string]struct{}
	phraseSeqs [][][]string
}

type intentsFile struct {
	Intents []Intent `yaml:"intents"`
}

// LoadCatalogue reads intents.yaml from the content directory. A missing
// file yields an empty catalogue: the static and fuzzy stages then always
// decline.
func LoadCatalogue(contentDir string) (*Catalogue, error) {
	path := filepath.Join(contentDir, "intents.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCatalogue(nil), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file intentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i, intent := range file.Intents {
		if intent.ID == "" {
			return nil, fmt.Errorf("%s: intent %d has no id", path, i)
		}
		if intent.Reply == "" {
			return nil, fmt.Errorf("%s: intent %q has no reply", path, intent.ID)
		}
	}

	return NewCatalogue(file.Intents), nil
}

// NewCatalogue precomputes the folded keyword sets.
func NewCatalogue(intents []Intent) *Catalogue {
	sorted := make([]Intent, len(intents))
	copy(sorted, intents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c := &Catalogue{
		Intents:    sorted,
		phraseSets: make([][]map[string]struct{}, len(sorted)),
		phraseSeqs: make([][][]string, len(sorted)),
	}
	for i, intent := range sorted {
		for _, kw := range intent.Keywords {
			seq := Tokenize(FoldDiacritics(NormalizeTurkish(kw)))
			if len(seq) == 0 {
				continue
			}
			c.phraseSeqs[i] = append(c.phraseSeqs[i], seq)
			c.phraseSets[i] = append(c.phraseSets[i], tokenSet(seq))
		}
	}
	return c
}

// Empty reports whether the catalogue holds no intents.
func (c *Catalogue) Empty() bool {
	return len(c.Intents) == 0
}

// SynonymDict maps a folded token to its folded expansions.
type SynonymDict map[string][]string

type synonymsFile struct {
	Synonyms map[string][]string `yaml:"synonyms"`
}

// LoadSynonyms reads synonyms.yaml from the content directory. A missing
// file yields an empty dictionary.
func LoadSynonyms(contentDir string) (SynonymDict, error) {
	path := filepath.Join(contentDir, "synonyms.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SynonymDict{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file synonymsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	dict := make(SynonymDict, len(file.Synonyms))
	for word, expansions := range file.Synonyms {
		key := FoldDiacritics(NormalizeTurkish(word))
		for _, exp := range expansions {
			dict[key] = append(dict[key], FoldDiacritics(NormalizeTurkish(exp)))
		}
	}
	return dict, nil
}

// Expand returns the tokens plus every synonym expansion, deduplicated,
// original order first.
func (d SynonymDict) Expand(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	var out []string
	add := func(tok string) {
		if _, ok := seen[tok]; !ok {
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	for _, tok := range tokens {
		add(tok)
		for _, syn := range d[tok] {
			add(syn)
		}
	}
	return out
}
