package pipeline

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeContent(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return dir
}

func TestLoadCatalogue(t *testing.T) {
	dir := writeContent(t, "intents.yaml", `
intents:
  - id: zebra
    keywords: ["son"]
    reply: "z"
  - id: alpha
    keywords: ["merhaba", "iyi günler"]
    reply: "a"
    threshold: 0.7
`)

	cat, err := LoadCatalogue(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cat.Intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(cat.Intents))
	}
	// Sorted by id for deterministic tie-breaking.
	if cat.Intents[0].ID != "alpha" || cat.Intents[1].ID != "zebra" {
		t.Errorf("intents not sorted by id: %v, %v", cat.Intents[0].ID, cat.Intents[1].ID)
	}
	if cat.Intents[0].Threshold != 0.7 {
		t.Errorf("per-intent threshold lost: %f", cat.Intents[0].Threshold)
	}
}

func TestLoadCatalogueMissingFile(t *testing.T) {
	cat, err := LoadCatalogue(t.TempDir())
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if !cat.Empty() {
		t.Error("expected empty catalogue")
	}
}

func TestLoadCatalogueRejectsInvalid(t *testing.T) {
	dir := writeContent(t, "intents.yaml", `
intents:
  - keywords: ["x"]
    reply: "r"
`)
	if _, err := LoadCatalogue(dir); err == nil {
		t.Error("intent without id must be rejected")
	}
}

func TestLoadSynonyms(t *testing.T) {
	dir := writeContent(t, "synonyms.yaml", `
synonyms:
  Naber: ["Merhaba"]
  şoför: ["sürücü"]
`)

	dict, err := LoadSynonyms(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	// Keys and expansions are folded at load time.
	if !reflect.DeepEqual(dict["naber"], []string{"merhaba"}) {
		t.Errorf("unexpected expansion %v", dict["naber"])
	}
	if !reflect.DeepEqual(dict["sofor"], []string{"surucu"}) {
		t.Errorf("folding not applied: %v", dict["sofor"])
	}
}

func TestSynonymExpandDeduplicates(t *testing.T) {
	dict := SynonymDict{"a": []string{"b"}, "b": []string{"a"}}
	got := dict.Expand([]string{"a", "b"})
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
