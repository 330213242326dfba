package engine

import (
	"context"
	"errors"

	"missionproof/internal/domain"
	"missionproof/internal/repo"
)

// StoreCatalog reads missions seeded into the store.
type StoreCatalog struct {
	Repo repo.Repo
}

func (c StoreCatalog) Mission(ctx context.Context, id string) (domain.Mission, error) {
	return c.Repo.GetMission(ctx, c.Repo.DB, id)
}

// StoreProfiles reads declared handles from account_profiles.
type StoreProfiles struct {
	Repo repo.Repo
}

func (p StoreProfiles) Handle(ctx context.Context, userID, platform string) (string, error) {
	prof, err := p.Repo.GetProfile(ctx, p.Repo.DB, userID, platform)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return prof.Handle, nil
}
