package collab

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/vtranscriptor/vtsync/internal/queue"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/session"
	"github.com/vtranscriptor/vtsync/internal/store"
	"github.com/vtranscriptor/vtsync/internal/sync"
)

type harness struct {
	st  *store.Store
	mem *remote.Memory
	sc  *session.Context
	e   *sync.Engine
	svc *Service
}

func setupService(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	quiet := log.New(io.Discard, "", 0)
	h := &harness{
		st:  st,
		mem: remote.NewMemory(nil),
		sc:  session.New(true, quiet),
	}
	h.e, err = sync.New(sync.Config{
		Store:   st,
		Queue:   queue.New(st, quiet),
		Remote:  h.mem,
		Session: h.sc,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("sync.New() failed: %v", err)
	}
	h.svc, err = New(Config{
		Store:   st,
		Engine:  h.e,
		Remote:  h.mem,
		Session: h.sc,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	for _, id := range []string{"u1", "u2", "u3"} {
		if err := h.mem.EnsureProfile(context.Background(), id, id+"@example.com"); err != nil {
			t.Fatalf("EnsureProfile failed: %v", err)
		}
	}
	return h
}

func (h *harness) signIn(principal string) {
	h.sc.SignIn(principal, principal+"@example.com")
	h.sc.SetOnline(true)
}

// ownTranscript creates a transcript for the signed in principal locally
// and remotely.
func (h *harness) ownTranscript(t *testing.T, title string) string {
	t.Helper()
	ctx := context.Background()

	tr := schema.NewTranscript(title)
	tr.UserID = h.sc.CurrentPrincipal()
	rec, err := schema.ToRecord(tr)
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if err := h.st.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	h.e.PropagateUpsert(ctx, rec)
	if h.mem.Row(schema.TableTranscripts, tr.ID) == nil {
		t.Fatalf("transcript %s did not reach the remote", tr.ID)
	}
	return tr.ID
}

func countComments(t *testing.T, st *store.Store) int {
	t.Helper()
	n, err := st.Count(context.Background(), schema.TableComments)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func sharedWith(row schema.Row) []string {
	shared, _ := row["shared_with"].([]string)
	return shared
}

func TestAddComment(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.signIn("u1")
	trID := h.ownTranscript(t, "standup")

	ref := 12.5
	c, err := h.svc.AddComment(ctx, trID, "  nice point  ", &ref)
	if err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}
	if c.Text != "nice point" || c.UserID != "u1" {
		t.Errorf("comment = %+v", c)
	}

	if _, err := h.st.Get(ctx, schema.TableComments, c.ID); err != nil {
		t.Errorf("comment missing locally: %v", err)
	}
	row := h.mem.Row(schema.TableComments, c.ID)
	if row == nil || row["transcription_id"] != trID || row["user_id"] != "u1" {
		t.Errorf("remote comment = %v", row)
	}
}

func TestAddComment_RollsBack(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name: "remote failure",
			setup: func(h *harness) {
				h.mem.SetFailure(func(method string, table schema.Table, id string) error {
					if method == "Upsert" && table == schema.TableComments {
						return errors.New("connection reset")
					}
					return nil
				})
			},
			wantErr: remote.ErrUnavailable,
		},
		{
			name:    "offline",
			setup:   func(h *harness) { h.sc.SetOnline(false) },
			wantErr: sync.ErrNotEligible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupService(t)
			h.signIn("u1")
			trID := h.ownTranscript(t, "standup")
			tt.setup(h)

			_, err := h.svc.AddComment(context.Background(), trID, "hello", nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddComment() error = %v, want %v", err, tt.wantErr)
			}
			if n := countComments(t, h.st); n != 0 {
				t.Errorf("%d comments left after rollback", n)
			}
			if n := h.mem.Len(schema.TableComments); n != 0 {
				t.Errorf("%d remote comments after failure", n)
			}
		})
	}
}

func TestAddComment_RequiresSignIn(t *testing.T) {
	h := setupService(t)

	if _, err := h.svc.AddComment(context.Background(), "tr", "hi", nil); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("AddComment() as guest error = %v, want ErrNotSignedIn", err)
	}
	if n := countComments(t, h.st); n != 0 {
		t.Errorf("guest comment stored: %d", n)
	}
}

func TestDeleteComment(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.signIn("u1")
	trID := h.ownTranscript(t, "standup")

	c, err := h.svc.AddComment(ctx, trID, "to delete", nil)
	if err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}
	if err := h.svc.DeleteComment(ctx, c.ID); err != nil {
		t.Fatalf("DeleteComment() failed: %v", err)
	}
	if _, err := h.st.Get(ctx, schema.TableComments, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("local comment survived: %v", err)
	}
	if h.mem.Row(schema.TableComments, c.ID) != nil {
		t.Error("remote comment survived")
	}

	if err := h.svc.DeleteComment(ctx, "missing"); err != nil {
		t.Errorf("DeleteComment(missing) = %v, want nil", err)
	}
}

func TestDeleteComment_NotAuthor(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.signIn("u1")

	rec, err := schema.ToRecord(schema.NewComment("u2", "tr", "theirs"))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if err := h.st.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := h.svc.DeleteComment(ctx, rec.ID); !errors.Is(err, ErrNotAuthor) {
		t.Errorf("DeleteComment() error = %v, want ErrNotAuthor", err)
	}
	if n := countComments(t, h.st); n != 1 {
		t.Errorf("comment count = %d, want 1", n)
	}
}

func TestLoadComments(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()

	// u2 owns the transcript and shares it with u1.
	h.signIn("u2")
	trID := h.ownTranscript(t, "planning")
	if _, err := h.svc.Share(ctx, trID, "u1@example.com"); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}
	first, err := h.svc.AddComment(ctx, trID, "first", nil)
	if err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}
	second, err := h.svc.AddComment(ctx, trID, "second", nil)
	if err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}

	h.sc.SignOut()
	h.signIn("u1")

	// A local comment the remote no longer has is dropped.
	stale, err := schema.ToRecord(schema.NewComment("u2", trID, "deleted elsewhere"))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if err := h.st.Put(ctx, stale); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	comments, err := h.svc.LoadComments(ctx, trID)
	if err != nil {
		t.Fatalf("LoadComments() failed: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("LoadComments() returned %d comments, want 2", len(comments))
	}
	ids := map[string]bool{comments[0].ID: true, comments[1].ID: true}
	if !ids[first.ID] || !ids[second.ID] {
		t.Errorf("LoadComments() = %s, %s", comments[0].ID, comments[1].ID)
	}
	if comments[0].CreatedAt > comments[1].CreatedAt {
		t.Error("comments not ordered by creation")
	}
}

func TestLoadComments_OfflineUsesLocal(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.sc.SignIn("u1", "u1@example.com")

	rec, err := schema.ToRecord(schema.NewComment("u1", "tr", "local only"))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if err := h.st.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	comments, err := h.svc.LoadComments(ctx, "tr")
	if err != nil {
		t.Fatalf("LoadComments() failed: %v", err)
	}
	if len(comments) != 1 || comments[0].Text != "local only" {
		t.Errorf("LoadComments() = %+v", comments)
	}
	if n := h.mem.Calls("Fetch"); n != 0 {
		t.Errorf("offline load made %d fetches", n)
	}
}

func TestShare(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.signIn("u1")
	trID := h.ownTranscript(t, "roadmap")

	target, err := h.svc.Share(ctx, trID, "U2@example.com")
	if err != nil {
		t.Fatalf("Share() failed: %v", err)
	}
	if target != "u2" {
		t.Errorf("Share() = %q, want u2", target)
	}
	if got := sharedWith(h.mem.Row(schema.TableTranscripts, trID)); len(got) != 1 || got[0] != "u2" {
		t.Errorf("remote shared_with = %v", got)
	}

	rec, err := h.st.Get(ctx, schema.TableTranscripts, trID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var tr schema.Transcript
	if err := schema.Decode(rec, &tr); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(tr.SharedWith) != 1 || tr.SharedWith[0] != "u2" {
		t.Errorf("local sharedWith = %v", tr.SharedWith)
	}

	// u2 now sees it.
	h.sc.SignOut()
	h.signIn("u2")
	shared, err := h.svc.SharedWithMe(ctx)
	if err != nil {
		t.Fatalf("SharedWithMe() failed: %v", err)
	}
	if len(shared) != 1 || shared[0].ID != trID {
		t.Fatalf("SharedWithMe() = %+v", shared)
	}

	// Back to the owner to revoke.
	h.sc.SignOut()
	h.signIn("u1")
	if err := h.svc.Unshare(ctx, trID, "u2"); err != nil {
		t.Fatalf("Unshare() failed: %v", err)
	}
	if got := sharedWith(h.mem.Row(schema.TableTranscripts, trID)); len(got) != 0 {
		t.Errorf("remote shared_with after unshare = %v", got)
	}

	h.sc.SignOut()
	h.signIn("u2")
	shared, err = h.svc.SharedWithMe(ctx)
	if err != nil {
		t.Fatalf("SharedWithMe() failed: %v", err)
	}
	if len(shared) != 0 {
		t.Errorf("SharedWithMe() after unshare = %d transcripts", len(shared))
	}
}

func TestShare_Errors(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.signIn("u1")
	trID := h.ownTranscript(t, "roadmap")

	tests := []struct {
		name    string
		email   string
		as      string
		wantErr error
	}{
		{"unknown email", "nobody@example.com", "u1", ErrUserNotFound},
		{"self", "u1@example.com", "u1", ErrShareSelf},
		{"not owner", "u3@example.com", "u2", remote.ErrUnauthorized},
		{"guest", "u2@example.com", "", ErrNotSignedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.sc.SignOut()
			if tt.as != "" {
				h.signIn(tt.as)
			}
			if _, err := h.svc.Share(ctx, trID, tt.email); !errors.Is(err, tt.wantErr) {
				t.Errorf("Share() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWatch_WithoutFeed(t *testing.T) {
	h := setupService(t)
	if err := h.svc.Watch(context.Background(), "tr"); !errors.Is(err, ErrNoRealtime) {
		t.Errorf("Watch() error = %v, want ErrNoRealtime", err)
	}
	h.svc.Leave()
}
