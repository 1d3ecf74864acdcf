package review

import "fmt"

// DraftKind says which teacher template produced a draft.
type DraftKind int

const (
	// DraftInitial is produced from the guidance template.
	DraftInitial DraftKind = iota
	// DraftRevision is produced from the revision template after a rejection.
	DraftRevision
)

func (k DraftKind) String() string {
	switch k {
	case DraftInitial:
		return "initial"
	case DraftRevision:
		return "revision"
	}
	return fmt.Sprintf("DraftKind(%d)", int(k))
}

// field is the output key the teacher answers in for this kind.
func (k DraftKind) field() string {
	if k == DraftRevision {
		return "revised_guidance"
	}
	return "guidance"
}

// Draft is one teacher proposal.
type Draft struct {
	Kind    DraftKind
	Attempt int
	Text    string
	// Failed is set when the teacher produced nothing usable and Text is a
	// placeholder.
	Failed bool
}

// Verdict is one reviewer's decision on a draft.
type Verdict struct {
	Reviewer string `json:"reviewer"`
	Attempt  int    `json:"attempt"`
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback,omitempty"`
}

// Feedback keys the teacher sees in a revision request.
const (
	FeedbackExpert     = "Medical_Knowledge_Expert"
	FeedbackSupervisor = "Safety_Ethics_Supervisor"
)
