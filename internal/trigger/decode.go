// Package trigger delivers completion writes from the change feed to
// subscribed handlers at least once.
package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"missionproof/internal/domain"
	"missionproof/internal/repo"
)

// ErrMalformed marks a change-feed row that can never be delivered.
var ErrMalformed = errors.New("malformed completion write")

func malformed(id int64, format string, args ...any) error {
	return fmt.Errorf("%w %d: %s", ErrMalformed, id, fmt.Sprintf(format, args...))
}

// Decode turns a stored row into a CompletionWrite. Rows written before the
// payload carried a version are upgraded; unknown fields and future versions
// are rejected.
func Decode(raw repo.RawCompletionWrite) (domain.CompletionWrite, error) {
	var w domain.CompletionWrite
	dec := json.NewDecoder(bytes.NewReader([]byte(raw.Payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return w, malformed(raw.ID, "%v", err)
	}
	switch w.Version {
	case 0:
		w.Version = domain.CompletionWriteVersion
	case domain.CompletionWriteVersion:
	default:
		return w, malformed(raw.ID, "unsupported version %d", w.Version)
	}
	if w.After == nil {
		return w, malformed(raw.ID, "missing after image")
	}
	if w.CompletionID == "" {
		w.CompletionID = raw.CompletionID
	}
	if w.After.ID == "" {
		w.After.ID = w.CompletionID
	}
	if w.After.ID != w.CompletionID || (raw.CompletionID != "" && raw.CompletionID != w.CompletionID) {
		return w, malformed(raw.ID, "completion id mismatch")
	}
	if w.Before != nil && w.Before.ID != w.CompletionID {
		return w, malformed(raw.ID, "before image belongs to %s", w.Before.ID)
	}
	if err := checkStatus(w.After.Status); err != nil {
		return w, malformed(raw.ID, "after: %v", err)
	}
	if w.Before != nil {
		if err := checkStatus(w.Before.Status); err != nil {
			return w, malformed(raw.ID, "before: %v", err)
		}
	}
	if w.TS == "" {
		w.TS = raw.TS
	}
	w.ID = raw.ID
	return w, nil
}

func checkStatus(s domain.CompletionStatus) error {
	switch s {
	case domain.StatusPending, domain.StatusVerified, domain.StatusFlagged, domain.StatusRejected:
		return nil
	}
	return fmt.Errorf("unknown status %q", s)
}
