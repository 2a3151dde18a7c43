package materials

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusValidating Status = "VALIDATING"
	StatusRejected   Status = "REJECTED"
	StatusCommitted  Status = "COMMITTED"
	StatusEditing    Status = "EDITING"
	StatusDeleted    Status = "DELETED"
)

var transitions = map[Status][]Status{
	StatusDraft:      {StatusValidating},
	StatusValidating: {StatusRejected, StatusCommitted},
	StatusRejected:   {StatusDraft, StatusValidating},
	StatusCommitted:  {StatusEditing, StatusDeleted},
	StatusEditing:    {StatusValidating},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for deleted documents.
func (s Status) IsTerminal() bool {
	return s == StatusDeleted
}

// Transition moves t to next or fails with a TransitionError. An empty status
// is treated as draft.
func (t *Transaction) Transition(next Status) error {
	current := t.Status
	if current == "" {
		current = StatusDraft
	}
	if !current.CanTransition(next) {
		return &TransitionError{From: current, To: next}
	}
	t.Status = next
	return nil
}
