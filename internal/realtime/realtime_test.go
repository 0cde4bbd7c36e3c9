package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(HubConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err := hub.Start(); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop() })
	return hub
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newFeed returns a feed against hub and a channel receiving every applied
// event.
func newFeed(t *testing.T, hub *Hub, st *store.Store) (*Feed, <-chan Event) {
	t.Helper()
	applied := make(chan Event, 16)
	feed, err := NewFeed(FeedConfig{
		Store:     st,
		Transport: NewWSTransport("ws://" + hub.GetAddr() + "/realtime"),
		OnEvent:   func(ev Event) { applied <- ev },
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewFeed() failed: %v", err)
	}
	t.Cleanup(feed.Unsubscribe)
	return feed, applied
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func commentRecord(t *testing.T, userID, transcriptionID, text string) *schema.Record {
	t.Helper()
	rec, err := schema.ToRecord(schema.NewComment(userID, transcriptionID, text))
	if err != nil {
		t.Fatalf("ToRecord() failed: %v", err)
	}
	return rec
}

func commentRow(t *testing.T, rec *schema.Record) schema.Row {
	t.Helper()
	row, err := schema.RecordToRow(rec, rec.OwnerID)
	if err != nil {
		t.Fatalf("RecordToRow() failed: %v", err)
	}
	return row
}

func TestHubStartStop(t *testing.T) {
	hub := NewHub(HubConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err := hub.Start(); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	if hub.GetAddr() == "" {
		t.Fatal("Hub address is empty")
	}

	resp, err := http.Get("http://" + hub.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", health["status"])
	}

	if err := hub.Stop(); err != nil {
		t.Fatalf("Failed to stop hub: %v", err)
	}
}

func TestHubRequiresTopic(t *testing.T) {
	hub := startHub(t)

	resp, err := http.Get("http://" + hub.GetAddr() + "/realtime")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestHubTopicFiltering(t *testing.T) {
	hub := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := NewWSTransport("ws://" + hub.GetAddr() + "/realtime")
	a, err := tr.Open(ctx, "comments:a")
	if err != nil {
		t.Fatalf("Open(a) failed: %v", err)
	}
	defer a.Close()
	b, err := tr.Open(ctx, "comments:b")
	if err != nil {
		t.Fatalf("Open(b) failed: %v", err)
	}
	defer b.Close()

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("Expected 2 subscribers, got %d", count)
	}

	hub.Publish(Event{Type: EventInsert, Topic: "comments:b", Table: schema.TableComments, Row: schema.Row{"id": "c1"}})
	hub.Publish(Event{Type: EventInsert, Topic: "comments:a", Table: schema.TableComments, Row: schema.Row{"id": "c2"}})

	ev, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv(a) failed: %v", err)
	}
	if ev.Topic != "comments:a" || ev.Row.ID() != "c2" {
		t.Errorf("subscriber a got %s %s, want comments:a c2", ev.Topic, ev.Row.ID())
	}

	ev, err = b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv(b) failed: %v", err)
	}
	if ev.Topic != "comments:b" || ev.Row.ID() != "c1" {
		t.Errorf("subscriber b got %s %s, want comments:b c1", ev.Topic, ev.Row.ID())
	}
}

func TestFeed_EchoOfOptimisticInsert(t *testing.T) {
	hub := startHub(t)
	st := openStore(t)
	feed, applied := newFeed(t, hub, st)
	ctx := context.Background()

	rec := commentRecord(t, "u1", "tr1", "hello")
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := feed.Subscribe(ctx, schema.CommentTopic("tr1")); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	hub.Publish(Event{
		Type:  EventInsert,
		Topic: schema.CommentTopic("tr1"),
		Table: schema.TableComments,
		Row:   commentRow(t, rec),
	})
	waitEvent(t, applied)

	n, err := st.Count(ctx, schema.TableComments)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected exactly one comment after echo, got %d", n)
	}
}

func TestFeed_InsertFromPeer(t *testing.T) {
	hub := startHub(t)
	st := openStore(t)
	feed, applied := newFeed(t, hub, st)
	ctx := context.Background()

	if err := feed.Subscribe(ctx, schema.CommentTopic("tr1")); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	rec := commentRecord(t, "u2", "tr1", "from a collaborator")
	hub.Publish(Event{Type: EventInsert, Topic: schema.CommentTopic("tr1"), Table: schema.TableComments, Row: commentRow(t, rec)})
	waitEvent(t, applied)

	got, err := st.Get(ctx, schema.TableComments, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ParentID != "tr1" || got.OwnerID != "u2" {
		t.Errorf("got parent %q owner %q, want tr1 u2", got.ParentID, got.OwnerID)
	}
	var c schema.Comment
	if err := schema.Decode(got, &c); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if c.Text != "from a collaborator" {
		t.Errorf("Text = %q", c.Text)
	}
}

func TestFeed_Delete(t *testing.T) {
	hub := startHub(t)
	st := openStore(t)
	feed, applied := newFeed(t, hub, st)
	ctx := context.Background()

	rec := commentRecord(t, "u1", "tr1", "bye")
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := feed.Subscribe(ctx, schema.CommentTopic("tr1")); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	hub.Publish(Event{Type: EventDelete, Topic: schema.CommentTopic("tr1"), Table: schema.TableComments, Row: schema.Row{"id": rec.ID}})
	waitEvent(t, applied)

	if _, err := st.Get(ctx, schema.TableComments, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete event, got %v", err)
	}
}

func TestFeed_ApplyUpdateLastWriteWins(t *testing.T) {
	st := openStore(t)
	feed, err := NewFeed(FeedConfig{Store: st, Transport: NewWSTransport("ws://unused"), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewFeed() failed: %v", err)
	}
	ctx := context.Background()

	rec := commentRecord(t, "u1", "tr1", "v1")
	rec.UpdatedAt = 2000
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	tests := []struct {
		name      string
		updatedAt int64
		text      string
		wantText  string
	}{
		{"older update ignored", 1500, "stale", "v1"},
		{"equal update ignored", 2000, "tie", "v1"},
		{"newer update applied", 2500, "v2", "v2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := commentRow(t, rec)
			row["text"] = tt.text
			row["updated_at"] = tt.updatedAt
			ev := Event{Type: EventUpdate, Topic: schema.CommentTopic("tr1"), Table: schema.TableComments, Row: row}
			if err := feed.Apply(ctx, ev); err != nil {
				t.Fatalf("Apply() failed: %v", err)
			}

			got, err := st.Get(ctx, schema.TableComments, rec.ID)
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			var c schema.Comment
			if err := schema.Decode(got, &c); err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if c.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", c.Text, tt.wantText)
			}
		})
	}
}

func TestFeed_SubscribeReplacesPrevious(t *testing.T) {
	hub := startHub(t)
	st := openStore(t)
	feed, _ := newFeed(t, hub, st)
	ctx := context.Background()

	if err := feed.Subscribe(ctx, schema.CommentTopic("a")); err != nil {
		t.Fatalf("Subscribe(a) failed: %v", err)
	}
	if err := feed.Subscribe(ctx, schema.CommentTopic("b")); err != nil {
		t.Fatalf("Subscribe(b) failed: %v", err)
	}
	if got := feed.Topic(); got != schema.CommentTopic("b") {
		t.Errorf("Topic() = %q, want %q", got, schema.CommentTopic("b"))
	}
	waitFor(t, "one subscriber", func() bool { return hub.ClientCount() == 1 })

	feed.Unsubscribe()
	feed.Unsubscribe()
	if got := feed.Topic(); got != "" {
		t.Errorf("Topic() after Unsubscribe = %q", got)
	}
	waitFor(t, "no subscribers", func() bool { return hub.ClientCount() == 0 })
}

func TestFeed_StopsWhenHubGoesAway(t *testing.T) {
	hub := NewHub(HubConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err := hub.Start(); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	st := openStore(t)
	feed, _ := newFeed(t, hub, st)

	if err := feed.Subscribe(context.Background(), "comments:x"); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	done := feed.Done()
	if err := hub.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop after hub shutdown")
	}
	if got := feed.Topic(); got != "" {
		t.Errorf("Topic() after stream end = %q", got)
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		name   string
		change remote.Change
		want   string
	}{
		{"comment", remote.Change{Table: schema.TableComments, Row: schema.Row{"transcription_id": "tr1"}}, "comments:tr1"},
		{"comment without parent", remote.Change{Table: schema.TableComments, Row: schema.Row{"id": "c"}}, ""},
		{"task", remote.Change{Table: schema.TableTasks, Row: schema.Row{"transcription_id": "tr1"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TopicFor(tt.change); got != tt.want {
				t.Errorf("TopicFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridge_RelaysRemoteComments(t *testing.T) {
	hub := startHub(t)
	st := openStore(t)
	feed, applied := newFeed(t, hub, st)
	mem := remote.NewMemory(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := NewBridge(hub, quietLogger())
	go func() { _ = bridge.Run(ctx, mem) }()
	waitFor(t, "bridge listener", func() bool { return mem.Listeners() == 1 })

	if err := feed.Subscribe(ctx, schema.CommentTopic("tr1")); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	// A task change must not reach the comment stream.
	task, err := schema.ToRecord(schema.NewTask("not streamed"))
	if err != nil {
		t.Fatalf("ToRecord() failed: %v", err)
	}
	taskRow, _ := schema.RecordToRow(task, "u2")
	if err := mem.Upsert(ctx, schema.TableTasks, taskRow); err != nil {
		t.Fatalf("Upsert(task) failed: %v", err)
	}

	rec := commentRecord(t, "u2", "tr1", "remote hello")
	if err := mem.Upsert(ctx, schema.TableComments, commentRow(t, rec)); err != nil {
		t.Fatalf("Upsert(comment) failed: %v", err)
	}

	ev := waitEvent(t, applied)
	if ev.Type != EventInsert || ev.Row.ID() != rec.ID {
		t.Errorf("got %s %s, want INSERT %s", ev.Type, ev.Row.ID(), rec.ID)
	}
	if _, err := st.Get(ctx, schema.TableComments, rec.ID); err != nil {
		t.Errorf("comment not applied locally: %v", err)
	}

	if err := mem.Delete(ctx, schema.TableComments, rec.ID, "u2"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	ev = waitEvent(t, applied)
	if ev.Type != EventDelete {
		t.Errorf("got %s, want DELETE", ev.Type)
	}
	if _, err := st.Get(ctx, schema.TableComments, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after remote delete, got %v", err)
	}
}

func TestHubBlobs(t *testing.T) {
	signer := remote.NewSigner("http://relay", []byte("secret"))
	mem := remote.NewMemory(signer)
	ctx := context.Background()
	if err := mem.UploadBlob(ctx, remote.AudioBucket, "u1/1-a.webm", []byte("audio"), "audio/webm"); err != nil {
		t.Fatalf("UploadBlob() failed: %v", err)
	}

	hub := NewHub(HubConfig{Signer: signer, Blobs: mem, Logger: quietLogger()})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	// local rewrites a signed URL onto the test server.
	local := func(signed string) string {
		u, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("bad signed url: %v", err)
		}
		base, _ := url.Parse(srv.URL)
		u.Scheme, u.Host = base.Scheme, base.Host
		return u.String()
	}

	// The signature is the last query parameter; flip its final hex digit.
	tampered := local(signer.Sign(remote.AudioBucket, "u1/1-a.webm", time.Minute))
	last := "0"
	if tampered[len(tampered)-1] == '0' {
		last = "1"
	}
	tampered = tampered[:len(tampered)-1] + last

	tests := []struct {
		name     string
		url      string
		wantCode int
	}{
		{"valid", local(signer.Sign(remote.AudioBucket, "u1/1-a.webm", time.Minute)), http.StatusOK},
		{"expired", local(signer.Sign(remote.AudioBucket, "u1/1-a.webm", -time.Minute)), http.StatusForbidden},
		{"tampered", tampered, http.StatusForbidden},
		{"unsigned", srv.URL + "/blobs/audio-files/u1/1-a.webm", http.StatusForbidden},
		{"missing", local(signer.Sign(remote.AudioBucket, "u1/none.webm", time.Minute)), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != "audio" {
					t.Errorf("body = %q", body)
				}
				if ct := resp.Header.Get("Content-Type"); ct != "audio/webm" {
					t.Errorf("Content-Type = %q", ct)
				}
			}
		})
	}
}

func TestWSTransport_RawSubscribeAck(t *testing.T) {
	hub := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+hub.GetAddr()+"/realtime?topic=comments:z", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	ev, err := decodeEvent(data)
	if err != nil {
		t.Fatalf("decodeEvent() failed: %v", err)
	}
	if ev.Type != EventSubscribed || ev.Topic != "comments:z" {
		t.Errorf("ack = %s %s", ev.Type, ev.Topic)
	}
}

func TestHub_AckPrecedesEventsUnderLoad(t *testing.T) {
	hub := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			hub.Publish(Event{Type: EventInsert, Topic: "comments:busy", Table: schema.TableComments, Row: schema.Row{"id": "noise"}})
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	tr := NewWSTransport("ws://" + hub.GetAddr() + "/realtime")
	for i := 0; i < 20; i++ {
		s, err := tr.Open(ctx, "comments:busy")
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}

		// Anything published once the ack is seen must arrive.
		hub.Publish(Event{Type: EventInsert, Topic: "comments:busy", Table: schema.TableComments, Row: schema.Row{"id": "marker"}})
		for {
			ev, err := s.Recv(ctx)
			if err != nil {
				t.Fatalf("Recv() #%d failed: %v", i, err)
			}
			if ev.Type == EventSubscribed {
				t.Fatalf("second ack on subscription #%d", i)
			}
			if ev.Row.ID() == "marker" {
				break
			}
		}
		_ = s.Close()
	}
}

func TestHub_OriginPatterns(t *testing.T) {
	dial := func(t *testing.T, hub *Hub) (*websocket.Conn, *http.Response, error) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return websocket.Dial(ctx, "ws://"+hub.GetAddr()+"/realtime?topic=comments:x", &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
		})
	}

	t.Run("cross origin rejected by default", func(t *testing.T) {
		hub := startHub(t)
		conn, resp, err := dial(t, hub)
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
			t.Fatal("expected cross-origin upgrade to be rejected")
		}
		if resp != nil && resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
		}
		if hub.ClientCount() != 0 {
			t.Errorf("Expected 0 subscribers, got %d", hub.ClientCount())
		}
	})

	t.Run("configured origin accepted", func(t *testing.T) {
		hub := NewHub(HubConfig{Addr: "127.0.0.1:0", OriginPatterns: []string{"evil.example"}, Logger: quietLogger()})
		if err := hub.Start(); err != nil {
			t.Fatalf("Failed to start hub: %v", err)
		}
		t.Cleanup(func() { _ = hub.Stop() })

		conn, _, err := dial(t, hub)
		if err != nil {
			t.Fatalf("Dial() failed: %v", err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		waitFor(t, "one subscriber", func() bool { return hub.ClientCount() == 1 })
	})

	t.Run("non-browser client accepted", func(t *testing.T) {
		hub := startHub(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := NewWSTransport("ws://"+hub.GetAddr()+"/realtime").Open(ctx, "comments:x")
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		_ = s.Close()
	})
}
