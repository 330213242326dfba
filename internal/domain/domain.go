package domain

import (
	"strings"
	"time"
)

// CompletionStatus is the persisted status of a TaskCompletion.
type CompletionStatus string

const (
	StatusPending  CompletionStatus = "pending"
	StatusVerified CompletionStatus = "verified"
	StatusFlagged  CompletionStatus = "flagged"
	StatusRejected CompletionStatus = "rejected"
)

// VerificationMethod selects how a completion gets verified.
type VerificationMethod string

const (
	MethodDirect VerificationMethod = "direct"
	MethodLink   VerificationMethod = "link"
)

func (m VerificationMethod) Valid() bool {
	return m == MethodDirect || m == MethodLink
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// NormalizeTaskID trims and lowercases a task identifier.
func NormalizeTaskID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

type TaskCompletion struct {
	ID                 string             `json:"id"`
	MissionID          string             `json:"mission_id"`
	TaskID             string             `json:"task_id"`
	UserID             string             `json:"user_id"`
	Status             CompletionStatus   `json:"status" enum:"pending,verified,flagged,rejected"`
	VerificationMethod VerificationMethod `json:"verification_method" enum:"direct,link"`
	SubmissionURL      string             `json:"submission_url,omitempty"`
	SubmissionPlatform string             `json:"submission_platform,omitempty"`
	SubmitterHandle    string             `json:"submitter_handle,omitempty"`
	CreatedAt          string             `json:"created_at" format:"date-time"`
	CompletedAt        string             `json:"completed_at" format:"date-time"`
	VerifiedAt         *string            `json:"verified_at,omitempty" format:"date-time"`
	FlaggedAt          *string            `json:"flagged_at,omitempty" format:"date-time"`
	UpdatedAt          string             `json:"updated_at" format:"date-time"`
	FlaggedReason      *string            `json:"flagged_reason,omitempty"`
	ReviewerID         *string            `json:"reviewer_id,omitempty"`
}

// ParticipationID identifies a user's participation in a mission.
func (c TaskCompletion) ParticipationID() string {
	return ParticipationID(c.MissionID, c.UserID)
}

func ParticipationID(missionID, userID string) string {
	return missionID + ":" + userID
}

type MissionAggregate struct {
	MissionID        string         `json:"mission_id"`
	TaskCounts       map[string]int `json:"task_counts"`
	TotalCompletions int            `json:"total_completions"`
	WinnersPerTask   *int           `json:"winners_per_task,omitempty"`
	TaskCount        int            `json:"task_count"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// Capped reports whether the aggregate enforces a finite per-task cap.
func (a MissionAggregate) Capped() bool {
	return a.WinnersPerTask != nil
}

type MissionProgress struct {
	MissionID        string   `json:"mission_id"`
	UserID           string   `json:"user_id"`
	VerifiedTaskIDs  []string `json:"verified_task_ids"`
	VerifiedCount    int      `json:"verified_count"`
	TotalTasks       int      `json:"total_tasks"`
	MissionCompleted bool     `json:"mission_completed"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type ReviewDecision string

const (
	DecisionVerify ReviewDecision = "verify"
	DecisionFlag   ReviewDecision = "flag"
)

type ReviewReceipt struct {
	ID              string         `json:"id"`
	ParticipationID string         `json:"participation_id"`
	TaskID          string         `json:"task_id"`
	SubmitterID     string         `json:"submitter_id"`
	ReviewerID      string         `json:"reviewer_id"`
	CompletionID    string         `json:"completion_id"`
	Decision        ReviewDecision `json:"decision" enum:"verify,flag"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type MissionTask struct {
	ID                 string             `json:"id" yaml:"id"`
	VerificationMethod VerificationMethod `json:"verification_method" yaml:"verification_method"`
	Platform           string             `json:"platform,omitempty" yaml:"platform,omitempty"`
}

// Mission is the metadata the core reads about a mission.
type Mission struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	WinnersPerTask *int          `json:"winners_per_task,omitempty"`
	Tasks          []MissionTask `json:"tasks"`
	CreatedAt      string        `json:"created_at" format:"date-time"`
}

func (m Mission) TaskIDs() []string {
	ids := make([]string, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func (m Mission) Task(taskID string) (MissionTask, bool) {
	want := NormalizeTaskID(taskID)
	for _, t := range m.Tasks {
		if NormalizeTaskID(t.ID) == want {
			return t, true
		}
	}
	return MissionTask{}, false
}

type AccountProfile struct {
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`
	Handle    string `json:"handle"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// CompletionWriteVersion is the schema version of change-feed payloads.
const CompletionWriteVersion = 1

// CompletionWrite is one entry of the completion change feed.
// Before is nil on create.
type CompletionWrite struct {
	ID           int64           `json:"id"`
	Version      int             `json:"version"`
	CompletionID string          `json:"completion_id"`
	TS           string          `json:"ts" format:"date-time"`
	Before       *TaskCompletion `json:"before,omitempty"`
	After        *TaskCompletion `json:"after"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
