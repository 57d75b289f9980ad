package models

import "time"

// OperationStatus is the lifecycle state of an Operation. Transitions are
// monotonic: Pending -> Running -> {Succeeded, Failed, Cancelled}.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether the status is one the operation never leaves.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationSucceeded, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// Operation is one user turn executed by the operation engine: a sequence of
// provider calls and tool calls terminated by success, failure, or
// cancellation.
type Operation struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        string          `json:"kind"`
	Status      OperationStatus `json:"status"`
	UserMessage string          `json:"user_message"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CanTransitionTo reports whether moving from the receiver's status to next
// respects the monotonic pending->running->terminal state machine.
func (o *Operation) CanTransitionTo(next OperationStatus) bool {
	switch o.Status {
	case "":
		return next == OperationPending
	case OperationPending:
		return next == OperationRunning || next == OperationCancelled
	case OperationRunning:
		return next == OperationSucceeded || next == OperationFailed || next == OperationCancelled
	default:
		return false // terminal states never transition
	}
}

// OperationEventKind enumerates the event kinds the operation engine emits.
// Payload shapes are self-contained JSON so a subscriber reconstructing the
// sequence purely from the log sees the same information a live subscriber
// would have seen.
type OperationEventKind string

const (
	EventStarted       OperationEventKind = "Started"
	EventStatusChanged OperationEventKind = "StatusChanged"
	EventToolStart     OperationEventKind = "ToolStart"
	EventToolResult    OperationEventKind = "ToolResult"
	EventThinking      OperationEventKind = "Thinking"
	EventAssistantText OperationEventKind = "AssistantText"
	EventFailed        OperationEventKind = "Failed"
	EventSucceeded     OperationEventKind = "Succeeded"
)

// OperationEvent is one row of the append-only, per-operation event log.
// SequenceNumber is dense and zero-based: for a terminated operation the set
// of sequence numbers is exactly 0..N-1 with no gaps.
type OperationEvent struct {
	OperationID    string             `json:"operation_id"`
	SequenceNumber int                `json:"sequence_number"`
	Kind           OperationEventKind `json:"kind"`
	Payload        []byte             `json:"payload"`
	CreatedAt      time.Time          `json:"created_at"`
}

// StatusChangedPayload is the JSON payload of an EventStatusChanged event.
type StatusChangedPayload struct {
	Old OperationStatus `json:"old"`
	New OperationStatus `json:"new"`
}

// ToolStartPayload is the JSON payload of an EventToolStart event.
type ToolStartPayload struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultPayload is the JSON payload of an EventToolResult event.
type ToolResultPayload struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Result     string `json:"result"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// ThinkingPayload is the JSON payload of an EventThinking event.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// AssistantTextPayload is the JSON payload of an EventAssistantText event.
type AssistantTextPayload struct {
	Delta string `json:"delta"`
}

// FailedPayload is the JSON payload of an EventFailed event.
type FailedPayload struct {
	Error string `json:"error"`
}
