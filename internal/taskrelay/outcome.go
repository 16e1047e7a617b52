package taskrelay

type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeNotFound  OutcomeKind = "not_found"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the terminal state of one operation against one backend.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	ExternalID string      `json:"externalId,omitempty"`
	Attempts   int         `json:"attempts"`
	Err        error       `json:"-"`
}

func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSucceeded
}

// Outcomes is keyed by backend key (the backend name, or name@configID for
// a repeated name within one load).
type Outcomes map[string]Outcome

// ExternalIDs returns the identifiers assigned by every backend that
// succeeded. Failed backends are absent.
func (o Outcomes) ExternalIDs() map[string]string {
	ids := make(map[string]string, len(o))
	for key, outcome := range o {
		if outcome.Kind == OutcomeSucceeded && outcome.ExternalID != "" {
			ids[key] = outcome.ExternalID
		}
	}
	return ids
}

// Flags reports true only for backends that succeeded.
func (o Outcomes) Flags() map[string]bool {
	flags := make(map[string]bool, len(o))
	for key, outcome := range o {
		flags[key] = outcome.Kind == OutcomeSucceeded
	}
	return flags
}

func (o Outcomes) Failures() map[string]string {
	failures := map[string]string{}
	for key, outcome := range o {
		if outcome.Kind != OutcomeFailed {
			continue
		}
		message := "failed"
		if outcome.Err != nil {
			message = outcome.Err.Error()
		}
		failures[key] = message
	}
	return failures
}
