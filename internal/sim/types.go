package sim

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies a simulated participant.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTeacher    Role = "teacher"
	RolePatient    Role = "patient"
	RoleExpert     Role = "expert"
	RoleSupervisor Role = "supervisor"
	RoleSystem     Role = "system"
)

// Roles lists every role that owns a generation handle.
var Roles = []Role{RoleStudent, RoleTeacher, RolePatient, RoleExpert, RoleSupervisor}

// Visibility is the closed set of scopes a dialogue turn can carry.
type Visibility string

const (
	VisibleStudent        Visibility = "student"
	VisiblePatient        Visibility = "patient"
	VisibleTeacher        Visibility = "teacher"
	VisibleStudentPatient Visibility = "student&patient"
	VisibleTeacherStudent Visibility = "teacher&student"
	VisibleTeacherPrivate Visibility = "teacher_private"
)

var readers = map[Visibility][]Role{
	VisibleStudent:        {RoleStudent},
	VisiblePatient:        {RolePatient},
	VisibleTeacher:        {RoleTeacher},
	VisibleStudentPatient: {RoleStudent, RolePatient, RoleTeacher},
	VisibleTeacherStudent: {RoleTeacher, RoleStudent},
	VisibleTeacherPrivate: {RoleTeacher},
}

// Valid reports whether v belongs to the closed enumeration.
func (v Visibility) Valid() bool {
	_, ok := readers[v]
	return ok
}

// Includes reports whether role may read a turn tagged with v.
func (v Visibility) Includes(role Role) bool {
	for _, r := range readers[v] {
		if r == role {
			return true
		}
	}
	return false
}

// ParseVisibility converts a stored scope back into a Visibility.
func ParseVisibility(s string) (Visibility, error) {
	v := Visibility(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown visibility scope %q", s)
	}
	return v, nil
}

// GuidanceStatus tags the committed teacher guidance of a round.
type GuidanceStatus string

const (
	GuidanceApproved GuidanceStatus = "approved"
	GuidanceFallback GuidanceStatus = "fallback_used"
)

// Turn is one immutable entry of the dialogue ledger.
type Turn struct {
	Round      int            `json:"round"`
	Speaker    string         `json:"speaker"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Visibility Visibility     `json:"visibility"`
	Status     GuidanceStatus `json:"status,omitempty"`
}

// Case is the static teaching case a run is built around.
type Case struct {
	ID            string            `json:"id"`
	Question      string            `json:"question"`
	Options       map[string]string `json:"options,omitempty"`
	Label         string            `json:"label,omitempty"`
	Images        []string          `json:"images,omitempty"`
	BodySystem    string            `json:"body_system,omitempty"`
	QuestionSteps []any             `json:"question_steps,omitempty"`
	PatientScript PatientScript     `json:"patient_script"`
}

// PatientScript holds the facts the patient role answers from.
type PatientScript struct {
	Metadata ScriptMetadata `json:"metadata"`
	FactBase map[string]any `json:"patient_fact_base,omitempty"`
}

// ScriptMetadata describes the case for prompts and persona matching.
type ScriptMetadata struct {
	CaseTitle    string        `json:"case_title,omitempty"`
	Demographics *Demographics `json:"demographics,omitempty"`
}

// Demographics is shared by case scripts and personas.
type Demographics struct {
	Gender string `json:"gender,omitempty"`
	Age    *int   `json:"age,omitempty"`
}

const defaultOpening = "Doctor, I need help."

// Answer resolves the labelled option text.
func (c Case) Answer() string {
	return c.Options[c.Label]
}

// Title returns the case title or "N/A".
func (c Case) Title() string {
	if c.PatientScript.Metadata.CaseTitle == "" {
		return "N/A"
	}
	return c.PatientScript.Metadata.CaseTitle
}

// OpeningStatement is the patient's first stimulus.
func (c Case) OpeningStatement() string {
	if s, ok := c.PatientScript.FactBase["chief_complaint"].(string); ok && s != "" {
		return s
	}
	return defaultOpening
}

// Persona is a patient persona record. Fields other than the id and
// demographics are kept verbatim for prompting.
type Persona struct {
	ID           string
	Demographics Demographics
	Attributes   map[string]any
}

func (p *Persona) UnmarshalJSON(data []byte) error {
	var head struct {
		ID           string       `json:"persona_id"`
		Demographics Demographics `json:"demographics"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return err
	}
	delete(attrs, "persona_id")
	delete(attrs, "demographics")
	p.ID, p.Demographics, p.Attributes = head.ID, head.Demographics, attrs
	return nil
}

func (p Persona) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Attributes)+2)
	for k, v := range p.Attributes {
		out[k] = v
	}
	out["persona_id"] = p.ID
	out["demographics"] = p.Demographics
	return json.Marshal(out)
}

// StudentProfile is a simulated student record.
type StudentProfile struct {
	ID         string
	Attributes map[string]any
}

func (s *StudentProfile) UnmarshalJSON(data []byte) error {
	var head struct {
		ID string `json:"student_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return err
	}
	delete(attrs, "student_id")
	s.ID, s.Attributes = head.ID, attrs
	return nil
}

func (s StudentProfile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Attributes)+1)
	for k, v := range s.Attributes {
		out[k] = v
	}
	out["student_id"] = s.ID
	return json.Marshal(out)
}

// AuditEntry records one generation call made on behalf of an agent.
type AuditEntry struct {
	Agent       string         `json:"agent"`
	Round       int            `json:"round"`
	Timestamp   time.Time      `json:"timestamp"`
	Instruction string         `json:"system_prompt"`
	Payload     map[string]any `json:"user_prompt"`
	Output      map[string]any `json:"output,omitempty"`
	Failure     string         `json:"failure,omitempty"`
}

// Agent keys used by the audit log.
const (
	AgentTeacher    = "Teacher"
	AgentExpert     = "Expert"
	AgentSupervisor = "Supervisor"
	AgentPatient    = "Patient"
)

// StudentAgent returns the audit key of a student.
func StudentAgent(studentID string) string {
	return "Student_" + studentID
}

// GuidanceRecord summarises how a round's guidance was finalized.
type GuidanceRecord struct {
	Round    int            `json:"round"`
	Status   GuidanceStatus `json:"status"`
	Attempts int            `json:"attempts"`
	Reason   string         `json:"reason,omitempty"`
}

// Transcript is the read-only product of a finished run.
type Transcript struct {
	RunID      string                  `json:"run_id"`
	Case       Case                    `json:"selected_case"`
	Persona    Persona                 `json:"patient_persona"`
	Students   []StudentProfile        `json:"selected_students"`
	Rounds     int                     `json:"rounds"`
	Turns      []Turn                  `json:"dialogue_history"`
	Audit      map[string][]AuditEntry `json:"agent_io,omitempty"`
	Stimuli    []string                `json:"stimuli"`
	Guidance   []GuidanceRecord        `json:"guidance"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
}

// FallbackRounds counts rounds whose guidance fell back.
func (t *Transcript) FallbackRounds() int {
	n := 0
	for _, g := range t.Guidance {
		if g.Status == GuidanceFallback {
			n++
		}
	}
	return n
}
