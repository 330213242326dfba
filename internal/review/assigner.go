// Package review hands pending link submissions to reviewers one at a time.
package review

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"missionproof/internal/domain"
	"missionproof/internal/repo"
	"missionproof/internal/submission"
)

// DefaultWindow bounds how many recent submissions one request scans.
const DefaultWindow = 50

type QueueItem struct {
	CompletionID    string `json:"completion_id"`
	ParticipationID string `json:"participation_id"`
	MissionID       string `json:"mission_id"`
	TaskID          string `json:"task_id"`
	SubmitterID     string `json:"submitter_id"`
	SubmitterHandle string `json:"submitter_handle,omitempty"`
	SubmissionURL   string `json:"submission_url"`
	Platform        string `json:"platform"`
	SubmittedAt     string `json:"submitted_at" format:"date-time"`
	ReceiptKey      string `json:"receipt_key"`
}

// ReceiptKey derives the deterministic receipt id for one reviewer deciding
// on one submission.
func ReceiptKey(participationID, taskID, submitterID, reviewerID string) string {
	name := strings.Join([]string{participationID, domain.NormalizeTaskID(taskID), submitterID, reviewerID}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("review-receipt|"+name)).String()
}

// Assigner scans a bounded window of recent submissions. Nothing is claimed
// at assignment time; two reviewers may be offered the same item.
type Assigner struct {
	Repo      repo.Repo
	Validator *submission.Validator
	Window    int
	// Platforms limits which platforms are offered for review.
	Platforms []string
}

// Next returns the first reviewable item for reviewerID, or nil when the
// window holds none.
func (a Assigner) Next(ctx context.Context, reviewerID string) (*QueueItem, error) {
	window := a.Window
	if window <= 0 {
		window = DefaultWindow
	}
	candidates, err := a.Repo.RecentLinkSubmissions(ctx, window)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.UserID == reviewerID {
			continue
		}
		if c.VerificationMethod != domain.MethodLink || c.SubmissionURL == "" {
			continue
		}
		if !a.reviewable(c) {
			continue
		}
		key := ReceiptKey(c.ParticipationID(), c.TaskID, c.UserID, reviewerID)
		seen, err := a.Repo.ReceiptExists(ctx, a.Repo.DB, key)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}
		return &QueueItem{
			CompletionID:    c.ID,
			ParticipationID: c.ParticipationID(),
			MissionID:       c.MissionID,
			TaskID:          c.TaskID,
			SubmitterID:     c.UserID,
			SubmitterHandle: c.SubmitterHandle,
			SubmissionURL:   c.SubmissionURL,
			Platform:        c.SubmissionPlatform,
			SubmittedAt:     c.CreatedAt,
			ReceiptKey:      key,
		}, nil
	}
	return nil, nil
}

// reviewable checks the stored platform and the URL host against the review
// set.
func (a Assigner) reviewable(c domain.TaskCompletion) bool {
	if !a.allowed(c.SubmissionPlatform) {
		return false
	}
	u, err := url.Parse(c.SubmissionURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	if a.Validator == nil {
		return true
	}
	name, ok := a.Validator.HostPlatform(strings.ToLower(u.Hostname()))
	return ok && a.allowed(name)
}

func (a Assigner) allowed(platform string) bool {
	if len(a.Platforms) == 0 {
		return true
	}
	for _, p := range a.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}
