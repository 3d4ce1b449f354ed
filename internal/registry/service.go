// Package registry enforces that a clan is monitored by at most one guild.
package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/keylock"
)

type Service struct {
	repo   *db.Repository
	logger *zap.Logger
	locks  *keylock.Map
}

func NewService(repo *db.Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		locks:  keylock.New(),
	}
}

// Claim assigns clanTag to guildID. Claiming a clan the guild already owns
// succeeds; a clan owned elsewhere yields *core.OwnershipConflictError.
func (s *Service) Claim(ctx context.Context, clanTag, guildID string) error {
	unlock := s.locks.Lock(clanTag)
	defer unlock()

	entry, err := s.repo.GetRegistryEntry(ctx, clanTag)
	switch {
	case err == nil:
		if entry.GuildID == guildID {
			return nil
		}
		return &core.OwnershipConflictError{ClanTag: clanTag, Owner: entry.GuildID}
	case !errors.Is(err, core.ErrNotFound):
		return fmt.Errorf("failed to read registry: %w", err)
	}

	if err := s.repo.SaveRegistryEntry(ctx, &core.RegistryEntry{ClanTag: clanTag, GuildID: guildID}); err != nil {
		return fmt.Errorf("failed to claim clan: %w", err)
	}

	s.logger.Info("Clan claimed",
		zap.String("clan_tag", clanTag),
		zap.String("guild_id", guildID),
	)
	return nil
}

// Release frees clanTag. Only the owner may release; releasing a clan
// nobody owns is a no-op.
func (s *Service) Release(ctx context.Context, clanTag, guildID string) error {
	unlock := s.locks.Lock(clanTag)
	defer unlock()

	entry, err := s.repo.GetRegistryEntry(ctx, clanTag)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	if entry.GuildID != guildID {
		return core.ErrForbidden
	}

	if err := s.repo.DeleteRegistryEntry(ctx, clanTag); err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("failed to release clan: %w", err)
	}

	s.logger.Info("Clan released",
		zap.String("clan_tag", clanTag),
		zap.String("guild_id", guildID),
	)
	return nil
}

func (s *Service) OwnerOf(ctx context.Context, clanTag string) (string, bool, error) {
	entry, err := s.repo.GetRegistryEntry(ctx, clanTag)
	if errors.Is(err, core.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.GuildID, true, nil
}
