package models

// QueryStateKind is the name of a lifecycle state.
type QueryStateKind string

const (
	StateNew            QueryStateKind = "New"
	StateConfigured     QueryStateKind = "Configured"
	StateBootstrapping  QueryStateKind = "Bootstrapping"
	StateRunning        QueryStateKind = "Running"
	StateDeleted        QueryStateKind = "Deleted"
	StateTerminalError  QueryStateKind = "TerminalError"
	StateTransientError QueryStateKind = "TransientError"
)

// QueryState is the lifecycle state of a query inside a host. Message is only
// set for the two error states.
type QueryState struct {
	Kind    QueryStateKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

func NewState(kind QueryStateKind) QueryState {
	return QueryState{Kind: kind}
}

func TerminalError(msg string) QueryState {
	return QueryState{Kind: StateTerminalError, Message: msg}
}

func TransientError(msg string) QueryState {
	return QueryState{Kind: StateTransientError, Message: msg}
}

func (s QueryState) String() string {
	if s.Kind == "" {
		return string(StateNew)
	}
	return string(s.Kind)
}

func (s QueryState) IsError() bool {
	return s.Kind == StateTerminalError || s.Kind == StateTransientError
}

// ErrorMessage returns the message of an error state, or nil otherwise.
func (s QueryState) ErrorMessage() *string {
	if !s.IsError() {
		return nil
	}
	msg := s.Message
	return &msg
}
