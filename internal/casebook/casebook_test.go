package casebook

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

func intp(n int) *int { return &n }

func personas() []sim.Persona {
	return []sim.Persona{
		{ID: "F30", Demographics: sim.Demographics{Gender: "female", Age: intp(30)}},
		{ID: "M20", Demographics: sim.Demographics{Gender: "male", Age: intp(20)}},
		{ID: "M55", Demographics: sim.Demographics{Gender: "male", Age: intp(55)}, Attributes: map[string]any{"occupation": "farmer"}},
		{ID: "M60", Demographics: sim.Demographics{Gender: "male", Age: intp(60)}},
		{ID: "M62", Demographics: sim.Demographics{Gender: "male", Age: intp(62)}},
		{ID: "M70", Demographics: sim.Demographics{Gender: "male", Age: intp(70)}},
		{ID: "M90", Demographics: sim.Demographics{Gender: "male", Age: intp(90)}},
	}
}

func caseWith(demo *sim.Demographics) sim.Case {
	return sim.Case{ID: "C1", PatientScript: sim.PatientScript{Metadata: sim.ScriptMetadata{Demographics: demo}}}
}

func TestSelectPersonaHardMatch(t *testing.T) {
	closest := map[string]bool{"M55": true, "M60": true, "M62": true, "M70": true}

	for seed := int64(0); seed < 30; seed++ {
		p, err := NewSelector(seed).SelectPersona(caseWith(&sim.Demographics{Gender: "male", Age: intp(61)}), personas())
		if err != nil {
			t.Fatalf("SelectPersona: %v", err)
		}
		if !closest[p.ID] {
			t.Fatalf("seed %d picked %s, outside the 4 closest", seed, p.ID)
		}
		if p.Demographics.Gender != "male" || *p.Demographics.Age != 61 {
			t.Fatalf("demographics not taken from case: %+v", p.Demographics)
		}
	}
}

func TestSelectPersonaDoesNotMutateLibrary(t *testing.T) {
	lib := personas()
	for seed := int64(0); seed < 10; seed++ {
		p, err := NewSelector(seed).SelectPersona(caseWith(&sim.Demographics{Gender: "male", Age: intp(54)}), lib)
		if err != nil {
			t.Fatal(err)
		}
		if p.Attributes == nil {
			continue
		}
		p.Attributes["occupation"] = "changed"
	}
	if *lib[2].Demographics.Age != 55 || lib[2].Attributes["occupation"] != "farmer" {
		t.Errorf("library persona mutated: %+v", lib[2])
	}
}

func TestSelectPersonaErrors(t *testing.T) {
	tests := []struct {
		name     string
		c        sim.Case
		personas []sim.Persona
		want     error
	}{
		{"empty library", caseWith(nil), nil, ErrEmptyLibrary},
		{"missing age", caseWith(&sim.Demographics{Gender: "male"}), personas(), ErrIncompleteDemographics},
		{"missing gender", caseWith(&sim.Demographics{Age: intp(40)}), personas(), ErrIncompleteDemographics},
		{"no gender match", caseWith(&sim.Demographics{Gender: "nonbinary", Age: intp(40)}), personas(), ErrNoPersonaMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSelector(1).SelectPersona(tt.c, tt.personas)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSelectPersonaGenericCase(t *testing.T) {
	p, err := NewSelector(3).SelectPersona(caseWith(nil), personas())
	if err != nil {
		t.Fatalf("SelectPersona: %v", err)
	}
	if p.ID == "" {
		t.Error("no persona picked")
	}
}

func TestSelectStudents(t *testing.T) {
	lib := []sim.StudentProfile{{ID: "A"}, {ID: "B"}, {ID: "B"}, {ID: "C"}}
	s := NewSelector(5)

	got, err := s.SelectStudents(lib, 3)
	if err != nil {
		t.Fatalf("SelectStudents: %v", err)
	}
	seen := map[string]bool{}
	for _, st := range got {
		if seen[st.ID] {
			t.Errorf("duplicate student %s", st.ID)
		}
		seen[st.ID] = true
	}
	if len(got) != 3 {
		t.Errorf("got %d students", len(got))
	}

	if _, err := s.SelectStudents(lib, 4); !errors.Is(err, ErrNotEnoughStudents) {
		t.Errorf("error = %v, want ErrNotEnoughStudents", err)
	}
}

func TestStudentCountAndRounds(t *testing.T) {
	s := NewSelector(11)
	for i := 0; i < 100; i++ {
		if n := s.StudentCount(); n < 1 || n > MaxStudents {
			t.Fatalf("StudentCount = %d", n)
		}
		if r := s.PickRounds([]int{3, 4, 5}); r < 3 || r > 5 {
			t.Fatalf("PickRounds = %d", r)
		}
	}
	if s.PickRounds(nil) != 0 {
		t.Error("PickRounds(nil) should be 0")
	}
}

func TestLoadLibraries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := map[string]string{
		"cases.json":    `[{"id":"MM-1","question":"Q?","options":{"A":"x"},"label":"A","patient_script":{"metadata":{"case_title":"T"},"patient_fact_base":{"chief_complaint":"ouch"}}}]`,
		"personas.json": `[{"persona_id":"P1","demographics":{"gender":"female","age":41},"temperament":"calm"}]`,
		"students.json": `[{"student_id":"S1","year":3}]`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	lib, err := Load(filepath.Join(dir, "cases.json"), filepath.Join(dir, "personas.json"), filepath.Join(dir, "students.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, ok := lib.Case("MM-1")
	if !ok || c.OpeningStatement() != "ouch" || c.Answer() != "x" {
		t.Errorf("case = %+v", c)
	}
	if lib.Personas[0].Attributes["temperament"] != "calm" || *lib.Personas[0].Demographics.Age != 41 {
		t.Errorf("persona = %+v", lib.Personas[0])
	}
	if lib.Students[0].ID != "S1" {
		t.Errorf("student = %+v", lib.Students[0])
	}

	if _, err := Load(filepath.Join(dir, "missing.json"), "", ""); err == nil {
		t.Error("expected error for missing case file")
	}
}
