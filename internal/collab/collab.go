// Package collab implements comments and transcript sharing on top of the
// local store, the sync engine and the realtime feed.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/vtranscriptor/vtsync/internal/realtime"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
	"github.com/vtranscriptor/vtsync/internal/sync"
)

var (
	// ErrNotSignedIn is returned when an operation needs a principal.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrShareSelf is returned when sharing a transcript with its owner.
	ErrShareSelf = errors.New("cannot share a transcript with yourself")

	// ErrUserNotFound is returned when no account matches a share email.
	ErrUserNotFound = errors.New("no user with that email")

	// ErrNotAuthor is returned when deleting someone else's comment.
	ErrNotAuthor = errors.New("only the author can delete a comment")

	// ErrNoRealtime is returned by Watch when no feed is configured.
	ErrNoRealtime = errors.New("realtime not configured")
)

// Session is the part of the session context collab needs.
type Session interface {
	CurrentPrincipal() string
}

// Config wires a Service.
type Config struct {
	// Store is the local store (required)
	Store *store.Store

	// Engine propagates deletes and gates remote calls (required)
	Engine *sync.Engine

	// Remote is the remote authority. nil means not configured.
	Remote remote.Client

	// Session supplies the principal (required)
	Session Session

	// Feed streams comments for the watched transcript (optional)
	Feed *realtime.Feed

	// Logger (default: stderr with [collab] prefix)
	Logger *log.Logger
}

// Service implements comments and sharing.
type Service struct {
	store   *store.Store
	engine  *sync.Engine
	remote  remote.Client
	session Session
	feed    *realtime.Feed
	logger  *log.Logger
}

// New creates a collaboration service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Session == nil {
		return nil, fmt.Errorf("store, engine and session are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[collab] ", log.LstdFlags)
	}
	return &Service{
		store:   cfg.Store,
		engine:  cfg.Engine,
		remote:  cfg.Remote,
		session: cfg.Session,
		feed:    cfg.Feed,
		logger:  cfg.Logger,
	}, nil
}

func (s *Service) principal() (string, error) {
	p := s.session.CurrentPrincipal()
	if p == "" {
		return "", ErrNotSignedIn
	}
	return p, nil
}

// AddComment creates a comment on a transcript. The comment is written
// locally first and then to the remote; if the remote write fails the
// local copy is removed and the error returned.
func (s *Service) AddComment(ctx context.Context, transcriptionID, text string, timestampRef *float64) (*schema.Comment, error) {
	principal, err := s.principal()
	if err != nil {
		return nil, err
	}

	c := schema.NewComment(principal, transcriptionID, strings.TrimSpace(text))
	c.TimestampRef = timestampRef
	rec, err := schema.ToRecord(c)
	if err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save comment: %w", err)
	}

	if err := s.pushComment(ctx, rec, principal); err != nil {
		if derr := s.store.Delete(ctx, schema.TableComments, rec.ID); derr != nil {
			s.logger.Printf("Failed to roll back comment %s: %v", rec.ID, derr)
		}
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	return c, nil
}

func (s *Service) pushComment(ctx context.Context, rec *schema.Record, principal string) error {
	if s.remote == nil || !s.engine.CanSync() {
		return sync.ErrNotEligible
	}
	row, err := schema.RecordToRow(rec, principal)
	if err != nil {
		return err
	}
	return s.remote.Upsert(ctx, schema.TableComments, row)
}

// DeleteComment removes a comment locally and propagates the delete.
// Deleting an unknown comment is a no-op.
func (s *Service) DeleteComment(ctx context.Context, id string) error {
	principal, err := s.principal()
	if err != nil {
		return err
	}

	rec, err := s.store.Get(ctx, schema.TableComments, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.OwnerID != "" && rec.OwnerID != principal {
		return ErrNotAuthor
	}

	if err := s.store.Delete(ctx, schema.TableComments, id); err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	s.engine.PropagateDelete(ctx, schema.TableComments, id)
	return nil
}

// LoadComments returns a transcript's comments oldest first. When the
// engine can sync, the remote list is merged in first and comments the
// remote no longer has are dropped.
func (s *Service) LoadComments(ctx context.Context, transcriptionID string) ([]*schema.Comment, error) {
	if s.remote != nil && s.engine.CanSync() {
		if err := s.refreshComments(ctx, transcriptionID); err != nil {
			s.logger.Printf("Using local comments for %s: %v", transcriptionID, err)
		}
	}

	recs, err := s.store.List(ctx, schema.TableComments, store.Filter{
		ParentID: transcriptionID,
		OrderBy:  store.OrderCreated,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*schema.Comment, 0, len(recs))
	for _, rec := range recs {
		var c schema.Comment
		if err := schema.Decode(rec, &c); err != nil {
			s.logger.Printf("Skipping comment %s: %v", rec.ID, err)
			continue
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *Service) refreshComments(ctx context.Context, transcriptionID string) error {
	rows, err := s.remote.Fetch(ctx, schema.TableComments, remote.Query{
		PrincipalID: s.session.CurrentPrincipal(),
		ParentID:    transcriptionID,
	})
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		rec, err := schema.RowToRecord(schema.TableComments, row)
		if err != nil {
			s.logger.Printf("Skipping remote comment: %v", err)
			continue
		}
		seen[rec.ID] = true
		if _, err := s.store.Merge(ctx, rec); err != nil {
			return err
		}
	}

	local, err := s.store.List(ctx, schema.TableComments, store.Filter{ParentID: transcriptionID})
	if err != nil {
		return err
	}
	for _, rec := range local {
		if !seen[rec.ID] {
			if err := s.store.Delete(ctx, schema.TableComments, rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Watch streams a transcript's comments into the local store until Leave
// or another Watch.
func (s *Service) Watch(ctx context.Context, transcriptionID string) error {
	if s.feed == nil {
		return ErrNoRealtime
	}
	return s.feed.Subscribe(ctx, schema.CommentTopic(transcriptionID))
}

// Leave stops watching.
func (s *Service) Leave() {
	if s.feed != nil {
		s.feed.Unsubscribe()
	}
}
