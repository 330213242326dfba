package missionproofsdk

import (
	"context"
	"errors"
	"net/http"

	"missionproof/internal/domain"
	"missionproof/internal/lifecycle"
)

// Tracker drives the lifecycle of one task for the caller against the API.
// The persisted status returned by the server always wins over local state.
// Not safe for concurrent use.
type Tracker struct {
	Client    *Client
	MissionID string
	TaskID    string

	machine *lifecycle.Machine
	current *Completion
}

// NewTracker loads the caller's current status and restores the machine from it.
func NewTracker(ctx context.Context, c *Client, missionID, taskID, method string) (*Tracker, error) {
	t := &Tracker{
		Client:    c,
		MissionID: missionID,
		TaskID:    taskID,
		machine:   lifecycle.New(domain.VerificationMethod(method)),
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) State() lifecycle.State { return t.machine.State() }

func (t *Tracker) CanVerify() bool { return t.machine.CanVerify() }

// Current is the latest record the server reported, or nil.
func (t *Tracker) Current() *Completion { return t.current }

// Intent records that the user opened the task, enabling verify for direct tasks.
func (t *Tracker) Intent() error { return t.machine.Intent() }

// Refresh reconciles local state with the server's current status.
func (t *Tracker) Refresh(ctx context.Context) error {
	st, err := t.Client.TaskStatus(ctx, t.MissionID, t.TaskID, "")
	if err != nil {
		return err
	}
	t.current = st.Completion
	t.machine.Resolve(domain.CompletionStatus(st.Status))
	return nil
}

// Submit reports the completion. Requests that never reached a decision roll
// the machine back so the user can try again; conflicts resync from the server.
func (t *Tracker) Submit(ctx context.Context, proofURL string) (Completion, error) {
	if err := t.machine.BeginVerify(); err != nil {
		return Completion{}, err
	}
	c, err := t.Client.SubmitCompletion(ctx, t.MissionID, t.TaskID, proofURL)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			if rerr := t.Refresh(ctx); rerr != nil {
				return Completion{}, errors.Join(err, rerr)
			}
			return Completion{}, err
		}
		if ferr := t.machine.Fail(); ferr != nil {
			return Completion{}, errors.Join(err, ferr)
		}
		return Completion{}, err
	}
	t.current = &c
	t.machine.Resolve(domain.CompletionStatus(c.Status))
	return c, nil
}

// Redo starts a flagged task over with a new pending record.
func (t *Tracker) Redo(ctx context.Context, proofURL string) (Completion, error) {
	if t.current == nil {
		return Completion{}, lifecycle.ErrInvalidTransition
	}
	if err := t.machine.Redo(); err != nil {
		return Completion{}, err
	}
	c, err := t.Client.RedoCompletion(ctx, t.current.ID, proofURL)
	if err != nil {
		if rerr := t.Refresh(ctx); rerr != nil {
			return Completion{}, errors.Join(err, rerr)
		}
		return Completion{}, err
	}
	t.current = &c
	t.machine.Resolve(domain.CompletionStatus(c.Status))
	return c, nil
}
