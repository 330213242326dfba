package server

import (
	"encoding/json"

	"missionproof/internal/domain"
	"missionproof/internal/review"
)

// Request payloads

type SubmitCompletionRequest struct {
	MissionID string                    `json:"mission_id" minLength:"1"`
	TaskID    string                    `json:"task_id" minLength:"1"`
	Method    domain.VerificationMethod `json:"method,omitempty" enum:"direct,link" doc:"Defaults to the task's configured method"`
	ProofURL  string                    `json:"proof_url,omitempty" doc:"Post URL; required for link tasks"`
}

type FlagCompletionBody struct {
	Reason string `json:"reason,omitempty"`
}

type RedoCompletionRequest struct {
	ProofURL string `json:"proof_url,omitempty" doc:"New proof for link tasks; the flagged proof is reused when empty"`
}

type SetProfileRequest struct {
	Handle string `json:"handle" minLength:"1"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"Defaults to the caller"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type completionOutput struct {
	Body domain.TaskCompletion `json:"body"`
}

type ReviewNextResponse struct {
	Item *review.QueueItem `json:"item"`
}

type AggregateResponse struct {
	MissionID        string         `json:"mission_id"`
	TaskCounts       map[string]int `json:"task_counts"`
	TotalCompletions int            `json:"total_completions"`
	WinnersPerTask   *int           `json:"winners_per_task,omitempty"`
	TaskCount        int            `json:"task_count"`
	// Remaining is the number of open winner slots per task; absent when uncapped.
	Remaining map[string]int `json:"remaining,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty" format:"date-time"`
}

type ProgressResponse struct {
	domain.MissionProgress
	Percent int `json:"percent"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type CreateAPIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TriggerLagResponse struct {
	Lag map[string]int64 `json:"lag"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source,omitempty" enum:"jwt,api_key,legacy_header"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedCompletions struct {
	Items []domain.TaskCompletion `json:"items"`
}

type missionList struct {
	Items []domain.Mission `json:"items"`
}

type profileList struct {
	Items []domain.AccountProfile `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func aggregateResponse(a domain.MissionAggregate) AggregateResponse {
	res := AggregateResponse{
		MissionID:        a.MissionID,
		TaskCounts:       a.TaskCounts,
		TotalCompletions: a.TotalCompletions,
		WinnersPerTask:   a.WinnersPerTask,
		TaskCount:        a.TaskCount,
		UpdatedAt:        a.UpdatedAt,
	}
	if res.TaskCounts == nil {
		res.TaskCounts = map[string]int{}
	}
	if a.Capped() {
		res.Remaining = map[string]int{}
		for task, n := range res.TaskCounts {
			left := *a.WinnersPerTask - n
			if left < 0 {
				left = 0
			}
			res.Remaining[task] = left
		}
	}
	return res
}

func progressResponse(p domain.MissionProgress) ProgressResponse {
	p.VerifiedTaskIDs = nonNilSlice(p.VerifiedTaskIDs)
	res := ProgressResponse{MissionProgress: p}
	if p.TotalTasks > 0 {
		res.Percent = p.VerifiedCount * 100 / p.TotalTasks
		if res.Percent > 100 {
			res.Percent = 100
		}
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		MissionID:  e.MissionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
