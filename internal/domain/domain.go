// Package domain holds the shared data model (SPEC_FULL.md §3) and the
// event payload shapes published on the bus (internal/events). Centralizing
// these types here, rather than in the components that produce them, is
// what lets the Waiting Detector, Ticket State Machine, Auto-Handoff
// Orchestrator, and Realtime Fan-out Bus depend only on internal/events and
// internal/domain — never on each other's packages directly.
package domain

import "time"

// --- Project -----------------------------------------------------------

type Project struct {
	ID              string
	Name            string
	RepoPath        string
	MuxSessionName  string
	MuxWindowName   string // optional
	TicketCorpusDir string // relative to RepoPath
	HandoffFilePath string // relative to RepoPath
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// --- Ticket --------------------------------------------------------------

type TicketState string

const (
	TicketBacklog    TicketState = "backlog"
	TicketInProgress TicketState = "in_progress"
	TicketReview     TicketState = "review"
	TicketDone       TicketState = "done"
)

type Ticket struct {
	ID                 string
	ProjectID          string
	ExternalID         *string // nil for ad-hoc tickets
	Title              string
	State              TicketState
	FilePath           string // relative to repo, unique per project
	IsAdhoc            bool
	IsExplore          bool
	StartedAt          *time.Time
	CompletedAt        *time.Time
	RejectionFeedback  *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TransitionTrigger string

const (
	TriggerAuto     TransitionTrigger = "auto"
	TriggerManual   TransitionTrigger = "manual"
	TriggerReviewer TransitionTrigger = "reviewer"
)

// TransitionReason enumerates the reasons named in SPEC_FULL.md §4.7.
type TransitionReason string

const (
	ReasonSessionStarted    TransitionReason = "session_started"
	ReasonCompletionDetect  TransitionReason = "completion_detected"
	ReasonCompletion        TransitionReason = "completion"
	ReasonUserApproved      TransitionReason = "user_approved"
	ReasonReviewerApproved  TransitionReason = "reviewer_approved"
	ReasonUserRejected      TransitionReason = "user_rejected"
	ReasonReviewerRejected  TransitionReason = "reviewer_rejected"
)

type TicketStateHistoryEntry struct {
	ID             string
	TicketID       string
	FromState      TicketState
	ToState        TicketState
	Trigger        TransitionTrigger
	Reason         TransitionReason
	Feedback       *string
	TriggeredByID  *string
	CreatedAt      time.Time
}

// --- Session ---------------------------------------------------------------

type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Active reports whether a status counts toward the one-running-session
// invariant of SPEC_FULL.md §3/§8.
func (s SessionStatus) Active() bool {
	return s == SessionStarting || s == SessionRunning || s == SessionPaused
}

type SessionType string

const (
	SessionTicket SessionType = "ticket"
	SessionAdhoc  SessionType = "adhoc"
)

type Session struct {
	ID             string
	ProjectID      string
	TicketID       *string
	ParentID       *string
	Type           SessionType
	Status         SessionStatus
	ContextPercent *int // 0-100, nil if unmeasured
	PaneID         string
	StartedAt      *time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// --- Handoff -----------------------------------------------------------

type HandoffEvent struct {
	ID                string
	FromSessionID     string
	ToSessionID       string
	ContextAtHandoff  int
	CreatedAt         time.Time
}

// --- Notification --------------------------------------------------------

type NotificationType string

const (
	NotifyWaitingInput   NotificationType = "waiting_input"
	NotifyReviewReady    NotificationType = "review_ready"
	NotifyHandoffDone    NotificationType = "handoff_complete"
	NotifyError          NotificationType = "error"
	NotifyContextLow     NotificationType = "context_low"
)

type Notification struct {
	ID         string
	Type       NotificationType
	Message    string
	SessionID  *string
	TicketID   *string
	Dismissed  bool
	CreatedAt  time.Time
}

// --- Event payloads --------------------------------------------------------
//
// One struct per bus topic declared in internal/events. Field names mirror
// the wire protocol names in SPEC_FULL.md §4.9 so the Fan-out Bus can
// forward these payloads into WSMessage envelopes with minimal translation.

type SessionOutputEvent struct {
	SessionID string
	Lines     []string
}

type SessionStatusEvent struct {
	SessionID      string
	PreviousStatus SessionStatus
	NewStatus      SessionStatus
	ContextPercent *int
}

type SessionExitEvent struct {
	SessionID string
	ExitCode  *int // nil means "unknown" (e.g. pane vanished)
}

type SessionErrorEvent struct {
	SessionID string
	Message   string
}

type ContextSampleEvent struct {
	SessionID string
	Percent   int
	Timestamp time.Time
}

type ContextThresholdEvent struct {
	SessionID string
	Percent   int
	Threshold int
	Timestamp time.Time
}

type WaitingReason string

const (
	ReasonOutputPrompt    WaitingReason = "output_prompt"
	ReasonPermissionPrmpt WaitingReason = "permission_prompt"
	ReasonIdlePrompt      WaitingReason = "idle_prompt"
	ReasonStopped         WaitingReason = "stopped"
)

// TelemetryWaitingEvent is published by the Context Monitor when a
// telemetry record's awaiting-input field transitions, one of the three
// signal sources the Waiting-State Detector fuses (spec.md §4.6).
type TelemetryWaitingEvent struct {
	SessionID string
	Waiting   bool
	Reason    WaitingReason
}

type WaitingChangeEvent struct {
	SessionID  string
	Waiting    bool
	Reason     WaitingReason
	DetectedBy string
}

type TicketStateEvent struct {
	TicketID       string
	PreviousState  TicketState
	NewState       TicketState
	Trigger        TransitionTrigger
	Reason         TransitionReason
	TriggeredByID  *string
	Feedback       *string
}

type HandoffStartedEvent struct {
	FromSessionID    string
	TicketID         string
	ContextAtHandoff int
}

type HandoffPhase string

const (
	PhaseExporting    HandoffPhase = "exporting"
	PhaseWaitingFile  HandoffPhase = "waiting_file"
	PhaseSpawning     HandoffPhase = "spawning"
	PhaseImporting    HandoffPhase = "importing"
)

type HandoffProgressEvent struct {
	SessionID string
	Phase     HandoffPhase
	ElapsedMs int64
}

type HandoffCompletedEvent struct {
	FromSessionID string
	ToSessionID   string
	TicketID      string
}

type HandoffFailedEvent struct {
	SessionID string
	Reason    string
}

type NotificationEvent struct {
	Notification Notification
}
