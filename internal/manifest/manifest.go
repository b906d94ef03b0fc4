// Package manifest parses YAML skill manifests for submission.
//
// A manifest file holds one or more skill documents separated by
// "---". Code may be inline or referenced by path; relative paths
// resolve against the manifest's directory.
package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oriys/vega/internal/skills"
)

// DefaultSourceType is assumed when a manifest omits provenance.
const DefaultSourceType = "user_submitted"

// SkillSpec is one YAML skill document.
type SkillSpec struct {
	// API version for future compatibility
	APIVersion string `yaml:"apiVersion,omitempty"`
	// Kind is always "Skill"
	Kind string `yaml:"kind,omitempty"`

	ID       string `yaml:"id"`
	Language string `yaml:"language"` // python, javascript, typescript

	// Exactly one of Code (inline) and CodeFile (path) must be set.
	Code     string `yaml:"code,omitempty"`
	CodeFile string `yaml:"codeFile,omitempty"`

	Source SourceSpec `yaml:"source,omitempty"`
}

// SourceSpec records provenance carried into the registry.
type SourceSpec struct {
	Type   string `yaml:"type,omitempty"`
	Origin string `yaml:"origin,omitempty"`
}

// MultiSpec holds every skill document parsed from one file.
type MultiSpec struct {
	Skills []SkillSpec
}

// ParseFile parses a YAML file containing one or more skill specs.
func ParseFile(path string) (*MultiSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	return Parse(f, filepath.Dir(path))
}

// Parse parses YAML content containing one or more skill specs.
func Parse(r io.Reader, baseDir string) (*MultiSpec, error) {
	decoder := yaml.NewDecoder(r)
	var specs []SkillSpec

	for {
		var spec SkillSpec
		err := decoder.Decode(&spec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}

		// Skip empty documents
		if spec.ID == "" && spec.Language == "" {
			continue
		}

		// Resolve relative code paths
		if spec.CodeFile != "" && !filepath.IsAbs(spec.CodeFile) {
			spec.CodeFile = filepath.Join(baseDir, spec.CodeFile)
		}

		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no skill documents found")
	}

	return &MultiSpec{Skills: specs}, nil
}

// Validate checks a spec against the registry's submission rules.
func (s *SkillSpec) Validate() error {
	if s.Kind != "" && s.Kind != "Skill" {
		return fmt.Errorf("unsupported kind: %s", s.Kind)
	}
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Language == "" {
		return fmt.Errorf("language is required")
	}
	if !skills.ValidLanguage(s.Language) {
		return fmt.Errorf("invalid language: %s (valid: python, javascript, typescript)", s.Language)
	}
	if s.Code == "" && s.CodeFile == "" {
		return fmt.Errorf("one of code or codeFile is required")
	}
	if s.Code != "" && s.CodeFile != "" {
		return fmt.Errorf("code and codeFile are mutually exclusive")
	}
	if s.CodeFile != "" {
		if _, err := os.Stat(s.CodeFile); os.IsNotExist(err) {
			return fmt.Errorf("code file not found: %s", s.CodeFile)
		}
	}
	return nil
}

// SourceType returns the provenance type, defaulted when omitted.
func (s *SkillSpec) SourceType() string {
	if s.Source.Type == "" {
		return DefaultSourceType
	}
	return s.Source.Type
}

// ReadCode returns the code bytes, inline or from the referenced file.
func (s *SkillSpec) ReadCode() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Code != "" {
		return []byte(s.Code), nil
	}
	return os.ReadFile(s.CodeFile)
}
