package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionproof/internal/config"
	"missionproof/internal/domain"
	"missionproof/internal/engine/auth"
	"missionproof/internal/events"
	"missionproof/internal/lifecycle"
	"missionproof/internal/repo"
	"missionproof/internal/review"
	"missionproof/internal/submission"
)

// MissionCatalog supplies mission metadata.
type MissionCatalog interface {
	Mission(ctx context.Context, id string) (domain.Mission, error)
}

// ProfileProvider returns a user's declared handle on a platform, or "" when
// none is known.
type ProfileProvider interface {
	Handle(ctx context.Context, userID, platform string) (string, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Auth      auth.Service
	Catalog   MissionCatalog
	Profiles  ProfileProvider
	Validator *submission.Validator
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Config:    cfg,
		Auth:      auth.Service{DB: db},
		Catalog:   StoreCatalog{Repo: r},
		Profiles:  StoreProfiles{Repo: r},
		Validator: submission.New(cfg.PlatformDomains()),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// Assigner returns the review queue assigner configured for this engine.
func (e Engine) Assigner() review.Assigner {
	return review.Assigner{
		Repo:      e.Repo,
		Validator: e.Validator,
		Window:    e.Config.Review.Window,
		Platforms: e.Config.ReviewPlatforms(),
	}
}

// SubmitOptions are parameters for reporting a completion.
type SubmitOptions struct {
	MissionID string
	TaskID    string
	UserID    string
	// Method defaults to the task's configured method.
	Method   domain.VerificationMethod
	ProofURL string
}

// SubmitCompletion appends a completion record for the user. Direct tasks are
// verified immediately unless the task was ever flagged for this user.
func (e Engine) SubmitCompletion(ctx context.Context, opts SubmitOptions) (domain.TaskCompletion, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return domain.TaskCompletion{}, invalidInput("user_required", "an authenticated user is required")
	}
	mission, task, err := e.missionTask(ctx, opts.MissionID, opts.TaskID)
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	method := opts.Method
	if method == "" {
		method = task.VerificationMethod
	}
	if !method.Valid() {
		return domain.TaskCompletion{}, invalidInput("invalid_method", "verification method %q is not direct or link", method)
	}
	if method != task.VerificationMethod {
		return domain.TaskCompletion{}, invalidInput("method_mismatch", "task %s is verified by %s", task.ID, task.VerificationMethod)
	}

	now := domain.FormatTime(e.now())
	c := domain.TaskCompletion{
		ID:                 uuid.NewString(),
		MissionID:          mission.ID,
		TaskID:             task.ID,
		UserID:             opts.UserID,
		Status:             domain.StatusPending,
		VerificationMethod: method,
		CreatedAt:          now,
		CompletedAt:        now,
		UpdatedAt:          now,
	}
	if method == domain.MethodLink {
		res, err := e.validateProof(ctx, opts.UserID, task.Platform, opts.ProofURL)
		if err != nil {
			return domain.TaskCompletion{}, err
		}
		c.SubmissionURL = res.NormalizedURL
		c.SubmissionPlatform = res.Platform
		c.SubmitterHandle = res.ExtractedHandle
	}

	err = e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		current, err := e.Repo.LatestCompletion(ctx, tx, mission.ID, task.ID, opts.UserID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && current.Status == domain.StatusVerified {
			return conflict(ConflictAlreadyVerified, "task %s is already verified for %s", task.ID, opts.UserID)
		}
		c.Status = domain.StatusPending
		c.VerifiedAt = nil
		if method == domain.MethodDirect {
			flagged, err := e.Repo.HasFlaggedCompletion(ctx, tx, mission.ID, task.ID, opts.UserID)
			if err != nil {
				return err
			}
			if !flagged {
				c.Status = domain.StatusVerified
				c.VerifiedAt = &now
			}
		}
		if err := e.Repo.EnsureActor(ctx, tx, opts.UserID, now); err != nil {
			return err
		}
		if err := e.Repo.InsertCompletionTx(ctx, tx, c); err != nil {
			return fmt.Errorf("insert completion: %w", err)
		}
		if _, err := e.Repo.AppendCompletionWriteTx(ctx, tx, nil, &c, now); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.CompletionSubmitted, c.MissionID, "completion", c.ID, opts.UserID, events.EventPayload{
			"task_id": c.TaskID, "status": c.Status, "method": c.VerificationMethod,
		})
	})
	if err != nil {
		return domain.TaskCompletion{}, storeErr(err)
	}
	return c, nil
}

// FlagCompletion records a reviewer's flag decision on the current record.
func (e Engine) FlagCompletion(ctx context.Context, completionID, reason, reviewerID string) (domain.TaskCompletion, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.TaskCompletion{}, invalidInput("reason_required", "a flag reason is required")
	}
	return e.decide(ctx, completionID, reviewerID, domain.DecisionFlag, func(c *domain.TaskCompletion, now string) error {
		switch c.Status {
		case domain.StatusFlagged, domain.StatusRejected:
			return conflict(ConflictAlreadyFlagged, "completion %s is already %s", c.ID, c.Status)
		}
		c.Status = domain.StatusFlagged
		c.FlaggedAt = &now
		c.FlaggedReason = &reason
		return nil
	})
}

// VerifyCompletion records a reviewer's verify decision on a pending record.
func (e Engine) VerifyCompletion(ctx context.Context, completionID, reviewerID string) (domain.TaskCompletion, error) {
	return e.decide(ctx, completionID, reviewerID, domain.DecisionVerify, func(c *domain.TaskCompletion, now string) error {
		switch c.Status {
		case domain.StatusVerified:
			return conflict(ConflictAlreadyVerified, "completion %s is already verified", c.ID)
		case domain.StatusPending:
		default:
			return conflict(ConflictNotPending, "completion %s is %s", c.ID, c.Status)
		}
		c.Status = domain.StatusVerified
		c.VerifiedAt = &now
		return nil
	})
}

// decide applies a reviewer decision to the current record and writes the
// receipt for it in the same transaction.
func (e Engine) decide(ctx context.Context, completionID, reviewerID string, decision domain.ReviewDecision, apply func(*domain.TaskCompletion, string) error) (domain.TaskCompletion, error) {
	if err := e.Auth.Require(ctx, nil, reviewerID, auth.PermReview); err != nil {
		return domain.TaskCompletion{}, err
	}
	var out domain.TaskCompletion
	err := e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		before, err := e.currentRecord(ctx, tx, completionID)
		if err != nil {
			return err
		}
		if before.UserID == reviewerID {
			return auth.ForbiddenError{Permission: auth.PermReview, Reason: "reviewers cannot review their own submissions"}
		}
		now := domain.FormatTime(e.now())
		after := before
		if err := apply(&after, now); err != nil {
			return err
		}
		after.ReviewerID = &reviewerID
		after.UpdatedAt = now

		rc := domain.ReviewReceipt{
			ID:              review.ReceiptKey(before.ParticipationID(), before.TaskID, before.UserID, reviewerID),
			ParticipationID: before.ParticipationID(),
			TaskID:          before.TaskID,
			SubmitterID:     before.UserID,
			ReviewerID:      reviewerID,
			CompletionID:    before.ID,
			Decision:        decision,
			CreatedAt:       now,
		}
		inserted, err := e.Repo.InsertReceiptTx(ctx, tx, rc)
		if err != nil {
			return err
		}
		if !inserted {
			return conflict(ConflictAlreadyReviewed, "%s already reviewed %s/%s", reviewerID, before.ParticipationID(), before.TaskID)
		}
		if err := e.Repo.UpdateCompletionReviewTx(ctx, tx, after); err != nil {
			return err
		}
		if _, err := e.Repo.AppendCompletionWriteTx(ctx, tx, &before, &after, now); err != nil {
			return err
		}
		evt := events.CompletionVerified
		payload := events.EventPayload{"task_id": after.TaskID, "user_id": after.UserID, "receipt_id": rc.ID}
		if decision == domain.DecisionFlag {
			evt = events.CompletionFlagged
			payload["reason"] = *after.FlaggedReason
		}
		if err := e.events().Append(ctx, tx, evt, after.MissionID, "completion", after.ID, reviewerID, payload); err != nil {
			return err
		}
		out = after
		return nil
	})
	if err != nil {
		return domain.TaskCompletion{}, storeErr(err)
	}
	return out, nil
}

// RedoOptions are parameters for resubmitting a flagged completion.
type RedoOptions struct {
	CompletionID string
	ActorID      string
	// ProofURL replaces the previous proof for link tasks when set.
	ProofURL string
}

// RedoCompletion appends a fresh pending record after a flag. The flagged
// record stays in history untouched. The submitter or a reviewer may redo.
func (e Engine) RedoCompletion(ctx context.Context, opts RedoOptions) (domain.TaskCompletion, error) {
	prev, err := e.Repo.GetCompletion(ctx, e.DB, opts.CompletionID)
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	if prev.UserID != opts.ActorID {
		if err := e.Auth.Require(ctx, nil, opts.ActorID, auth.PermReview); err != nil {
			return domain.TaskCompletion{}, err
		}
	}
	now := domain.FormatTime(e.now())
	next := domain.TaskCompletion{
		ID:                 uuid.NewString(),
		MissionID:          prev.MissionID,
		TaskID:             prev.TaskID,
		UserID:             prev.UserID,
		Status:             domain.StatusPending,
		VerificationMethod: prev.VerificationMethod,
		SubmissionURL:      prev.SubmissionURL,
		SubmissionPlatform: prev.SubmissionPlatform,
		SubmitterHandle:    prev.SubmitterHandle,
		CreatedAt:          now,
		CompletedAt:        now,
		UpdatedAt:          now,
	}
	if prev.VerificationMethod == domain.MethodLink {
		// a kept proof is checked again against the user's current handle
		proof := opts.ProofURL
		if proof == "" {
			proof = prev.SubmissionURL
		}
		_, task, err := e.missionTask(ctx, prev.MissionID, prev.TaskID)
		if err != nil {
			return domain.TaskCompletion{}, err
		}
		res, err := e.validateProof(ctx, prev.UserID, task.Platform, proof)
		if err != nil {
			return domain.TaskCompletion{}, err
		}
		next.SubmissionURL = res.NormalizedURL
		next.SubmissionPlatform = res.Platform
		next.SubmitterHandle = res.ExtractedHandle
	}
	err = e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		current, err := e.currentRecord(ctx, tx, opts.CompletionID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusFlagged && current.Status != domain.StatusRejected {
			return conflict(ConflictNotFlagged, "completion %s is %s", current.ID, current.Status)
		}
		if err := e.Repo.InsertCompletionTx(ctx, tx, next); err != nil {
			return fmt.Errorf("insert completion: %w", err)
		}
		if _, err := e.Repo.AppendCompletionWriteTx(ctx, tx, nil, &next, now); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.CompletionRedo, next.MissionID, "completion", next.ID, opts.ActorID, events.EventPayload{
			"task_id": next.TaskID, "user_id": next.UserID, "previous_id": current.ID,
		})
	})
	if err != nil {
		return domain.TaskCompletion{}, storeErr(err)
	}
	return next, nil
}

// currentRecord loads a completion and fails with a superseded conflict when
// a newer record exists for the same task and user.
func (e Engine) currentRecord(ctx context.Context, q repo.Queryer, completionID string) (domain.TaskCompletion, error) {
	c, err := e.Repo.GetCompletion(ctx, q, completionID)
	if err != nil {
		return c, err
	}
	latest, err := e.Repo.LatestCompletion(ctx, q, c.MissionID, c.TaskID, c.UserID)
	if err != nil {
		return c, err
	}
	if latest.ID != c.ID {
		return c, conflict(ConflictSuperseded, "completion %s was superseded by %s", c.ID, latest.ID)
	}
	return c, nil
}

// CurrentStatus is the authoritative status of one task for one user.
type CurrentStatus struct {
	MissionID   string                  `json:"mission_id"`
	TaskID      string                  `json:"task_id"`
	UserID      string                  `json:"user_id"`
	Status      domain.CompletionStatus `json:"status,omitempty"`
	ClientState lifecycle.State         `json:"client_state"`
	Completion  *domain.TaskCompletion  `json:"completion,omitempty"`
}

// GetCurrentStatus returns the status of the latest record by creation time.
// Status is empty when the user has no record for the task.
func (e Engine) GetCurrentStatus(ctx context.Context, missionID, taskID, userID string) (CurrentStatus, error) {
	if _, task, err := e.missionTask(ctx, missionID, taskID); err == nil {
		taskID = task.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CurrentStatus{}, err
	}
	res := CurrentStatus{MissionID: missionID, TaskID: taskID, UserID: userID, ClientState: lifecycle.Idle}
	c, err := e.Repo.LatestCompletion(ctx, e.DB, missionID, taskID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return CurrentStatus{}, storeErr(err)
	}
	res.Status = c.Status
	res.ClientState = lifecycle.FromStatus(c.Status)
	res.Completion = &c
	return res, nil
}

// RequestReviewItem hands the reviewer one unreviewed submission, or nil.
func (e Engine) RequestReviewItem(ctx context.Context, reviewerID string) (*review.QueueItem, error) {
	if err := e.Auth.Require(ctx, nil, reviewerID, auth.PermReview); err != nil {
		return nil, err
	}
	item, err := e.Assigner().Next(ctx, reviewerID)
	return item, storeErr(err)
}

// GetAggregate returns the mission's counters. A mission nobody has completed
// yet reports zero counts without creating the aggregate.
func (e Engine) GetAggregate(ctx context.Context, missionID string) (domain.MissionAggregate, error) {
	a, err := e.Repo.GetAggregate(ctx, e.DB, missionID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return a, storeErr(err)
	}
	m, err := e.Catalog.Mission(ctx, missionID)
	if err != nil {
		return domain.MissionAggregate{}, err
	}
	return domain.MissionAggregate{
		MissionID:      m.ID,
		TaskCounts:     map[string]int{},
		WinnersPerTask: m.WinnersPerTask,
		TaskCount:      len(m.Tasks),
	}, nil
}

// GetProgress returns the user's mission summary, zeroed when absent.
func (e Engine) GetProgress(ctx context.Context, missionID, userID string) (domain.MissionProgress, error) {
	p, err := e.Repo.GetProgress(ctx, e.DB, missionID, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return p, storeErr(err)
	}
	m, err := e.Catalog.Mission(ctx, missionID)
	if err != nil {
		return domain.MissionProgress{}, err
	}
	return domain.MissionProgress{MissionID: m.ID, UserID: userID, VerifiedTaskIDs: []string{}, TotalTasks: len(m.Tasks)}, nil
}

func (e Engine) ListCompletions(ctx context.Context, f repo.CompletionFilters) ([]domain.TaskCompletion, error) {
	res, err := e.Repo.ListCompletions(ctx, f)
	return res, storeErr(err)
}

func (e Engine) missionTask(ctx context.Context, missionID, taskID string) (domain.Mission, domain.MissionTask, error) {
	m, err := e.Catalog.Mission(ctx, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return m, domain.MissionTask{}, fmt.Errorf("mission %s: %w", missionID, repo.ErrNotFound)
		}
		return m, domain.MissionTask{}, storeErr(err)
	}
	t, ok := m.Task(taskID)
	if !ok {
		return m, t, fmt.Errorf("task %s in mission %s: %w", taskID, missionID, repo.ErrNotFound)
	}
	return m, t, nil
}

func (e Engine) validateProof(ctx context.Context, userID, platform, proofURL string) (submission.Result, error) {
	if strings.TrimSpace(proofURL) == "" {
		return submission.Result{}, invalidInput(string(submission.ReasonInvalidURL), "link tasks need a proof url")
	}
	handle, err := e.Profiles.Handle(ctx, userID, platform)
	if err != nil {
		return submission.Result{}, storeErr(err)
	}
	res, err := e.Validator.Validate(proofURL, platform, handle)
	if err != nil {
		return submission.Result{}, fromSubmission(err)
	}
	return res, nil
}
