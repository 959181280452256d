package sessions

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{AgentID: "agent-1", Kind: KindMain, Key: "agent-1:main:default"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if session.CreatedAt.IsZero() {
		t.Fatal("Create() did not stamp CreatedAt")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AgentID != "agent-1" || got.Kind != KindMain {
		t.Errorf("Get() = %+v, want agent-1/main", got)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_GetByKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{AgentID: "agent-1", Key: "agent-1:main:default"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := store.GetByKey(ctx, "agent-1:main:default")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if got.ID != session.ID {
		t.Errorf("GetByKey() ID = %q, want %q", got.ID, session.ID)
	}
}

func TestMemoryStore_GetOrCreateIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := SessionKey("agent-1", KindIsolated, "job-42")

	first, err := store.GetOrCreate(ctx, key, "agent-1", KindIsolated)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := store.GetOrCreate(ctx, key, "agent-1", KindIsolated)
	if err != nil {
		t.Fatalf("GetOrCreate() second error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("GetOrCreate() returned different sessions: %q vs %q", first.ID, second.ID)
	}
}

func TestMemoryStore_DeleteRemovesMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.AppendMessage(ctx, session.ID, &Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("GetHistory() after delete = %d messages, want 0", len(history))
	}
}

func TestMemoryStore_HistoryOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	contents := []string{"one", "two", "three", "four"}
	for _, c := range contents {
		if err := store.AppendMessage(ctx, session.ID, &Message{Role: "user", Content: c}); err != nil {
			t.Fatalf("AppendMessage(%q) error = %v", c, err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("GetHistory() = %d messages, want 4", len(history))
	}
	for i, msg := range history {
		if msg.Content != contents[i] {
			t.Errorf("history[%d] = %q, want %q", i, msg.Content, contents[i])
		}
	}

	limited, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory(limit=2) error = %v", err)
	}
	if len(limited) != 2 || limited[0].Content != "three" || limited[1].Content != "four" {
		t.Errorf("GetHistory(limit=2) = %v, want most recent two in order", limited)
	}
}

func TestMemoryStore_ReplaceHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.AppendMessage(ctx, session.ID, &Message{Role: "user", Content: "old"}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	replacement := []*Message{
		{Role: "system", Content: "summary", Summary: true},
		{Role: "user", Content: "recent"},
	}
	if err := store.ReplaceHistory(ctx, session.ID, replacement); err != nil {
		t.Fatalf("ReplaceHistory() error = %v", err)
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("GetHistory() = %d messages, want 2", len(history))
	}
	if !history[0].Summary || history[0].Content != "summary" {
		t.Errorf("history[0] = %+v, want summary message", history[0])
	}
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &Session{AgentID: "agent-1", Metadata: map[string]any{"tag": "a"}}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Metadata["tag"] = "mutated"

	again, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() second error = %v", err)
	}
	if again.Metadata["tag"] != "a" {
		t.Errorf("stored metadata mutated through returned copy: %v", again.Metadata)
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, kind := range []Kind{KindMain, KindIsolated, KindSubagent} {
		session := &Session{AgentID: "agent-1", Kind: kind, Key: SessionKey("agent-1", kind, string(rune('a'+i)))}
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	isolated, err := store.List(ctx, "agent-1", ListOptions{Kind: KindIsolated})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(isolated) != 1 || isolated[0].Kind != KindIsolated {
		t.Errorf("List(KindIsolated) = %v, want one isolated session", isolated)
	}

	other, err := store.List(ctx, "agent-2", ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("List(agent-2) = %d sessions, want 0", len(other))
	}
}
