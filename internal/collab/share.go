package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
	"github.com/vtranscriptor/vtsync/internal/sync"
)

func (s *Service) requireRemote() (string, error) {
	principal, err := s.principal()
	if err != nil {
		return "", err
	}
	if s.remote == nil || !s.engine.CanSync() {
		return "", sync.ErrNotEligible
	}
	return principal, nil
}

// LookupUser resolves an account id by email.
func (s *Service) LookupUser(ctx context.Context, email string) (string, error) {
	if _, err := s.requireRemote(); err != nil {
		return "", err
	}
	res, err := s.remote.Call(ctx, remote.FuncUserIDByEmail, map[string]any{"email_input": email})
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", email, err)
	}
	id, _ := res.(string)
	if id == "" {
		return "", ErrUserNotFound
	}
	return id, nil
}

// Share grants the account registered under email access to a transcript
// owned by the current principal and returns that account's id.
func (s *Service) Share(ctx context.Context, transcriptionID, email string) (string, error) {
	principal, err := s.requireRemote()
	if err != nil {
		return "", err
	}
	target, err := s.LookupUser(ctx, email)
	if err != nil {
		return "", err
	}
	if target == principal {
		return "", ErrShareSelf
	}

	if _, err := s.remote.Call(ctx, remote.FuncAddSharedUser, shareArgs(transcriptionID, target, principal)); err != nil {
		return "", fmt.Errorf("failed to share %s: %w", transcriptionID, err)
	}
	s.updateLocalShares(ctx, transcriptionID, func(shared []string) []string {
		for _, id := range shared {
			if id == target {
				return shared
			}
		}
		return append(shared, target)
	})
	return target, nil
}

// Unshare revokes userID's access to a transcript.
func (s *Service) Unshare(ctx context.Context, transcriptionID, userID string) error {
	principal, err := s.requireRemote()
	if err != nil {
		return err
	}
	if _, err := s.remote.Call(ctx, remote.FuncRemoveSharedUser, shareArgs(transcriptionID, userID, principal)); err != nil {
		return fmt.Errorf("failed to unshare %s: %w", transcriptionID, err)
	}
	s.updateLocalShares(ctx, transcriptionID, func(shared []string) []string {
		kept := shared[:0]
		for _, id := range shared {
			if id != userID {
				kept = append(kept, id)
			}
		}
		return kept
	})
	return nil
}

func shareArgs(transcriptionID, target, caller string) map[string]any {
	return map[string]any{
		"transcription_id": transcriptionID,
		"target_user_id":   target,
		"caller_id":        caller,
	}
}

// updateLocalShares mirrors a share change into the local transcript
// without moving its clock. The remote bumped its own copy, so the next
// pull still wins.
func (s *Service) updateLocalShares(ctx context.Context, transcriptionID string, fn func([]string) []string) {
	rec, err := s.store.Get(ctx, schema.TableTranscripts, transcriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Printf("Failed to load %s: %v", transcriptionID, err)
		return
	}

	var tr schema.Transcript
	if err := schema.Decode(rec, &tr); err != nil {
		s.logger.Printf("Failed to decode %s: %v", transcriptionID, err)
		return
	}
	tr.SharedWith = fn(append([]string(nil), tr.SharedWith...))

	updated, err := schema.ToRecord(&tr)
	if err != nil {
		s.logger.Printf("Failed to encode %s: %v", transcriptionID, err)
		return
	}
	updated.OwnerID = rec.OwnerID
	if err := s.store.Put(ctx, updated); err != nil {
		s.logger.Printf("Failed to save %s: %v", transcriptionID, err)
	}
}

// SharedWithMe fetches the transcripts other accounts shared with the
// current principal, stores them locally and returns them oldest first.
func (s *Service) SharedWithMe(ctx context.Context) ([]*schema.Transcript, error) {
	principal, err := s.requireRemote()
	if err != nil {
		return nil, err
	}
	rows, err := s.remote.Fetch(ctx, schema.TableTranscripts, remote.Query{
		PrincipalID: principal,
		SharedOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch shared transcripts: %w", err)
	}

	out := make([]*schema.Transcript, 0, len(rows))
	for _, row := range rows {
		rec, err := schema.RowToRecord(schema.TableTranscripts, row)
		if err != nil {
			s.logger.Printf("Skipping shared transcript: %v", err)
			continue
		}
		if _, err := s.store.Merge(ctx, rec); err != nil {
			return nil, err
		}
		var tr schema.Transcript
		if err := schema.Decode(rec, &tr); err != nil {
			s.logger.Printf("Skipping shared transcript %s: %v", rec.ID, err)
			continue
		}
		out = append(out, &tr)
	}
	return out, nil
}
