// Package casebook loads the case, persona and student libraries and picks
// the participants of a run.
package casebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// Selection errors. Each one makes a case unusable; batch runs skip it.
var (
	ErrIncompleteDemographics = errors.New("case has incomplete demographics")
	ErrNoPersonaMatch         = errors.New("no persona matches case gender")
	ErrNotEnoughStudents      = errors.New("not enough unique students")
	ErrEmptyLibrary           = errors.New("library is empty")
)

// closestCandidates is how many age-nearest personas a pick is drawn from.
const closestCandidates = 4

// MaxStudents bounds the size of a randomly drawn student group.
const MaxStudents = 4

// Library holds everything a batch draws from.
type Library struct {
	Cases    []sim.Case
	Personas []sim.Persona
	Students []sim.StudentProfile
}

// Load reads the three JSON libraries.
func Load(casesPath, personasPath, studentsPath string) (*Library, error) {
	lib := &Library{}
	if err := readJSON(casesPath, &lib.Cases); err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	if err := readJSON(personasPath, &lib.Personas); err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	if err := readJSON(studentsPath, &lib.Students); err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	return lib, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Case returns the case with id.
func (l *Library) Case(id string) (sim.Case, bool) {
	for _, c := range l.Cases {
		if c.ID == id {
			return c, true
		}
	}
	return sim.Case{}, false
}

// Selector draws personas and students from its own seeded source.
type Selector struct {
	rng *rand.Rand
}

// NewSelector creates a selector seeded with seed.
func NewSelector(seed int64) *Selector {
	return &Selector{rng: rand.New(rand.NewSource(seed))}
}

// SelectPersona picks the patient persona for c. A case with demographics
// only accepts personas of the same gender, picked at random among the ones
// closest in age, and the chosen persona takes the case's demographics.
// A case without demographics takes any persona.
func (s *Selector) SelectPersona(c sim.Case, personas []sim.Persona) (sim.Persona, error) {
	if len(personas) == 0 {
		return sim.Persona{}, fmt.Errorf("select persona: %w", ErrEmptyLibrary)
	}

	demo := c.PatientScript.Metadata.Demographics
	if demo == nil {
		return clonePersona(personas[s.rng.Intn(len(personas))]), nil
	}
	if demo.Gender == "" || demo.Age == nil {
		return sim.Persona{}, fmt.Errorf("case %s: %w", c.ID, ErrIncompleteDemographics)
	}

	var matches []sim.Persona
	for _, p := range personas {
		if p.Demographics.Gender == demo.Gender {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return sim.Persona{}, fmt.Errorf("case %s, gender %q: %w", c.ID, demo.Gender, ErrNoPersonaMatch)
	}

	target := *demo.Age
	sort.SliceStable(matches, func(i, j int) bool {
		return ageDistance(matches[i], target) < ageDistance(matches[j], target)
	})
	if len(matches) > closestCandidates {
		matches = matches[:closestCandidates]
	}

	picked := clonePersona(matches[s.rng.Intn(len(matches))])
	age := *demo.Age
	picked.Demographics = sim.Demographics{Gender: demo.Gender, Age: &age}
	return picked, nil
}

func ageDistance(p sim.Persona, target int) int {
	if p.Demographics.Age == nil {
		return math.MaxInt32
	}
	d := *p.Demographics.Age - target
	if d < 0 {
		return -d
	}
	return d
}

func clonePersona(p sim.Persona) sim.Persona {
	attrs := make(map[string]any, len(p.Attributes))
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	p.Attributes = attrs
	if p.Demographics.Age != nil {
		age := *p.Demographics.Age
		p.Demographics.Age = &age
	}
	return p
}

// StudentCount draws a group size between 1 and MaxStudents.
func (s *Selector) StudentCount() int {
	return 1 + s.rng.Intn(MaxStudents)
}

// SelectStudents picks n students with distinct ids.
func (s *Selector) SelectStudents(students []sim.StudentProfile, n int) ([]sim.StudentProfile, error) {
	byID := make(map[string]sim.StudentProfile)
	var ids []string
	for _, st := range students {
		if _, dup := byID[st.ID]; dup {
			continue
		}
		byID[st.ID] = st
		ids = append(ids, st.ID)
	}
	if n < 1 || len(ids) < n {
		return nil, fmt.Errorf("need %d, have %d: %w", n, len(ids), ErrNotEnoughStudents)
	}

	s.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	out := make([]sim.StudentProfile, n)
	for i := range out {
		out[i] = byID[ids[i]]
	}
	return out, nil
}

// Participants is the drawn cast of one run.
type Participants struct {
	Persona  sim.Persona
	Students []sim.StudentProfile
}

// Prepare draws the persona and a random-sized student group for c.
func (s *Selector) Prepare(c sim.Case, lib *Library) (Participants, error) {
	persona, err := s.SelectPersona(c, lib.Personas)
	if err != nil {
		return Participants{}, err
	}
	students, err := s.SelectStudents(lib.Students, s.StudentCount())
	if err != nil {
		return Participants{}, fmt.Errorf("case %s: %w", c.ID, err)
	}
	return Participants{Persona: persona, Students: students}, nil
}

// PickRounds returns one of choices at random.
func (s *Selector) PickRounds(choices []int) int {
	if len(choices) == 0 {
		return 0
	}
	return choices[s.rng.Intn(len(choices))]
}
