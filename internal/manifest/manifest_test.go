package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "skills.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFileResolvesRelativeCodePaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeManifest(t, dir, `
kind: Skill
id: greet
language: python
codeFile: greet.py
source:
  type: user_submitted
  origin: cli
`)

	ms, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(ms.Skills) != 1 {
		t.Fatalf("skills = %d, want 1", len(ms.Skills))
	}
	spec := ms.Skills[0]
	if !filepath.IsAbs(spec.CodeFile) {
		t.Errorf("code file not resolved: %s", spec.CodeFile)
	}
	code, err := spec.ReadCode()
	if err != nil {
		t.Fatalf("ReadCode failed: %v", err)
	}
	if string(code) != "print('hi')\n" {
		t.Errorf("code = %q", code)
	}
}

func TestParseMultipleDocuments(t *testing.T) {
	ms, err := Parse(strings.NewReader(`
id: first
language: python
code: |
  print("one")
---
id: second
language: javascript
code: |
  console.log("two")
`), ".")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(ms.Skills) != 2 {
		t.Fatalf("skills = %d, want 2", len(ms.Skills))
	}
	if ms.Skills[0].ID != "first" || ms.Skills[1].ID != "second" {
		t.Errorf("ids = %s, %s", ms.Skills[0].ID, ms.Skills[1].ID)
	}
}

func TestInlineCodeRoundTrip(t *testing.T) {
	ms, err := Parse(strings.NewReader(`
id: inline
language: python
code: |
  x = 1
  print(x)
`), ".")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	code, err := ms.Skills[0].ReadCode()
	if err != nil {
		t.Fatalf("ReadCode failed: %v", err)
	}
	if string(code) != "x = 1\nprint(x)\n" {
		t.Errorf("code = %q", code)
	}
}

func TestValidateRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec SkillSpec
	}{
		{"missing id", SkillSpec{Language: "python", Code: "x"}},
		{"missing language", SkillSpec{ID: "a", Code: "x"}},
		{"bad language", SkillSpec{ID: "a", Language: "rust", Code: "x"}},
		{"no code", SkillSpec{ID: "a", Language: "python"}},
		{"both code forms", SkillSpec{ID: "a", Language: "python", Code: "x", CodeFile: "y.py"}},
		{"wrong kind", SkillSpec{Kind: "Function", ID: "a", Language: "python", Code: "x"}},
		{"missing code file", SkillSpec{ID: "a", Language: "python", CodeFile: "/does/not/exist.py"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.spec.Validate(); err == nil {
				t.Error("Validate accepted a bad spec")
			}
		})
	}
}

func TestSourceTypeDefaults(t *testing.T) {
	spec := SkillSpec{ID: "a", Language: "python", Code: "x"}
	if got := spec.SourceType(); got != DefaultSourceType {
		t.Errorf("source type = %q, want %q", got, DefaultSourceType)
	}
	spec.Source.Type = "agent_generated"
	if got := spec.SourceType(); got != "agent_generated" {
		t.Errorf("source type = %q", got)
	}
}

func TestParseEmptyManifestFails(t *testing.T) {
	if _, err := Parse(strings.NewReader("---\n---\n"), "."); err == nil {
		t.Error("empty manifest accepted")
	}
}
