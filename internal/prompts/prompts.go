// Package prompts loads the role instruction templates a run needs.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template names.
const (
	StudentAnalysis  = "student_analysis"
	StudentAction    = "student_action"
	PatientRuntime   = "patient_runtime"
	TeacherGuidance  = "teacher_guidance"
	TeacherRevision  = "teacher_revision"
	ExpertMain       = "expert_main"
	SupervisorReview = "supervisor_review"
)

// Required lists every template a simulation run reads.
var Required = []string{
	StudentAnalysis, StudentAction, PatientRuntime,
	TeacherGuidance, TeacherRevision, ExpertMain, SupervisorReview,
}

// ErrMissingTemplate is returned when a required template is absent.
var ErrMissingTemplate = errors.New("missing prompt template")

// ManifestFile optionally maps template names to file names inside the
// prompts directory.
const ManifestFile = "prompts.yaml"

// Set maps template names to instruction text.
type Set map[string]string

// Get returns the named template.
func (s Set) Get(name string) (string, error) {
	t, ok := s[name]
	if !ok || strings.TrimSpace(t) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingTemplate, name)
	}
	return t, nil
}

// Check verifies that every required template is present.
func (s Set) Check() error {
	var missing []string
	for _, name := range Required {
		if strings.TrimSpace(s[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingTemplate, strings.Join(missing, ", "))
	}
	return nil
}

type manifest struct {
	Templates map[string]string `yaml:"templates"`
}

// Load reads every required template from dir. By default template <name>
// is read from <name>.txt; a prompts.yaml manifest may override file names.
func Load(dir string) (Set, error) {
	files := make(map[string]string, len(Required))
	for _, name := range Required {
		files[name] = name + ".txt"
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	switch {
	case err == nil:
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
		}
		for name, file := range m.Templates {
			files[name] = file
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}

	set := make(Set, len(files))
	for name, file := range files {
		content, err := os.ReadFile(filepath.Join(dir, file))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		set[name] = string(content)
	}
	if err := set.Check(); err != nil {
		return nil, fmt.Errorf("load prompts from %s: %w", dir, err)
	}
	return set, nil
}
