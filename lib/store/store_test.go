// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/conductor/lib/clock"
)

var storeTestEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(storeTestEpoch)
	store, err := Open(context.Background(), Config{
		Path:  filepath.Join(t.TempDir(), "conductor.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, fakeClock
}

func createConversation(t *testing.T, store *Store) Conversation {
	t.Helper()
	conversation, err := store.CreateConversation(context.Background(), Conversation{
		AgentID:          "claude",
		WorkingDirectory: "/work",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conversation
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	created := createConversation(t, store)
	if created.ID == "" {
		t.Fatal("CreateConversation did not assign an id")
	}

	fakeClock.Advance(time.Minute)
	if err := store.SetResumeToken(ctx, created.ID, "resume-1"); err != nil {
		t.Fatalf("SetResumeToken: %v", err)
	}
	if err := store.SetIsStreaming(ctx, created.ID, true); err != nil {
		t.Fatalf("SetIsStreaming: %v", err)
	}

	got, err := store.GetConversation(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ResumeToken != "resume-1" || !got.IsStreaming {
		t.Errorf("conversation = %+v, want token resume-1 and streaming", got)
	}
	if !got.UpdatedAt.Equal(storeTestEpoch.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, storeTestEpoch.Add(time.Minute))
	}
	if !got.CreatedAt.Equal(storeTestEpoch) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, storeTestEpoch)
	}
}

func TestConversationNotFound(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.SetIsStreaming(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetIsStreaming(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSessionUpdateKeepsUnsetFields(t *testing.T) {
	t.Parallel()
	store, fakeClock := openTestStore(t)
	ctx := context.Background()
	conversation := createConversation(t, store)

	if err := store.CreateSession(ctx, Session{ID: "s-1", ConversationID: conversation.ID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.UpdateSession(ctx, "s-1", SessionUpdate{Status: StatusActive, PID: 4242}); err != nil {
		t.Fatalf("UpdateSession(active): %v", err)
	}
	fakeClock.Advance(time.Second)
	if err := store.UpdateSession(ctx, "s-1", SessionUpdate{
		Status:      StatusError,
		Error:       "timeout: no activity",
		CompletedAt: fakeClock.Now(),
	}); err != nil {
		t.Fatalf("UpdateSession(error): %v", err)
	}

	session, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != StatusError || session.PID != 4242 || session.Error != "timeout: no activity" {
		t.Errorf("session = %+v", session)
	}
	if !session.CompletedAt.Equal(storeTestEpoch.Add(time.Second)) {
		t.Errorf("CompletedAt = %v", session.CompletedAt)
	}

	active, err := store.ListSessionsByStatus(ctx, StatusActive, StatusPending)
	if err != nil {
		t.Fatalf("ListSessionsByStatus: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListSessionsByStatus returned %d sessions, want 0", len(active))
	}
}

func TestChunksRoundTripInSequenceOrder(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	maximum, err := store.GetMaxSequence(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetMaxSequence: %v", err)
	}
	if maximum != -1 {
		t.Fatalf("GetMaxSequence on empty session = %d, want -1", maximum)
	}

	var batch []Chunk
	for i := 0; i < 5; i++ {
		batch = append(batch, Chunk{
			SessionID:      "s-1",
			ConversationID: "c-1",
			Sequence:       int64(i),
			Type:           "assistant",
			Data:           json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			CreatedAt:      storeTestEpoch,
		})
	}
	if err := store.CreateChunks(ctx, batch[2:]); err != nil {
		t.Fatalf("CreateChunks: %v", err)
	}
	if err := store.CreateChunks(ctx, batch[:2]); err != nil {
		t.Fatalf("CreateChunks: %v", err)
	}

	chunks, err := store.GetChunksSince(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("GetChunksSince: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("GetChunksSince(0) returned %d chunks, want 4", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Sequence != int64(i+1) {
			t.Errorf("chunk %d has sequence %d", i, chunk.Sequence)
		}
		if want := fmt.Sprintf(`{"n":%d}`, i+1); string(chunk.Data) != want {
			t.Errorf("chunk %d data = %s, want %s", i, chunk.Data, want)
		}
	}

	maximum, err = store.GetMaxSequence(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetMaxSequence: %v", err)
	}
	if maximum != 4 {
		t.Errorf("GetMaxSequence = %d, want 4", maximum)
	}
}

func TestCreateChunksIsAtomic(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := Chunk{SessionID: "s-1", ConversationID: "c-1", Sequence: 0, Type: "system", Data: json.RawMessage(`{}`)}
	if err := store.CreateChunk(ctx, first); err != nil {
		t.Fatalf("CreateChunk: %v", err)
	}

	// Sequence 0 already exists, so the batch must roll back and
	// leave sequence 1 unwritten.
	batch := []Chunk{
		{SessionID: "s-1", ConversationID: "c-1", Sequence: 1, Type: "assistant", Data: json.RawMessage(`{}`)},
		first,
	}
	if err := store.CreateChunks(ctx, batch); err == nil {
		t.Fatal("CreateChunks with a duplicate sequence succeeded")
	}
	maximum, err := store.GetMaxSequence(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetMaxSequence: %v", err)
	}
	if maximum != 0 {
		t.Errorf("GetMaxSequence after rolled-back batch = %d, want 0", maximum)
	}
}

func TestLargeChunkIsCompressedTransparently(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	text := strings.Repeat("line of tool output\n", 4096)
	payload, err := json.Marshal(map[string]string{"type": "user", "content": text})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateChunk(ctx, Chunk{
		SessionID: "s-1", ConversationID: "c-1", Sequence: 0, Type: "user", Data: payload,
	}); err != nil {
		t.Fatalf("CreateChunk: %v", err)
	}

	stored, encoding := encodePayload(payload)
	if encoding != encodingZstd || len(stored) >= len(payload) {
		t.Fatalf("payload of %d bytes not compressed (encoding %d, %d bytes)", len(payload), encoding, len(stored))
	}

	chunks, err := store.GetChunksSince(ctx, "s-1", -1)
	if err != nil {
		t.Fatalf("GetChunksSince: %v", err)
	}
	if len(chunks) != 1 || !bytes.Equal(chunks[0].Data, payload) {
		t.Fatal("compressed chunk did not read back as the original payload")
	}
}

func TestResumableConversations(t *testing.T) {
	t.Parallel()
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	withToken := createConversation(t, store)
	store.SetResumeToken(ctx, withToken.ID, "tok")
	withoutToken := createConversation(t, store)
	cancelledEarlier := createConversation(t, store)
	store.SetResumeToken(ctx, cancelledEarlier.ID, "tok-2")

	store.CreateSession(ctx, Session{ID: "early", ConversationID: cancelledEarlier.ID})
	store.UpdateSession(ctx, "early", SessionUpdate{Status: StatusInterrupted, CompletedAt: fakeClock.Now()})

	fakeClock.Advance(time.Hour)
	recoveryStart := fakeClock.Now()
	for _, id := range []string{withToken.ID, withoutToken.ID} {
		sessionID := "s-" + id
		store.CreateSession(ctx, Session{ID: sessionID, ConversationID: id})
		store.UpdateSession(ctx, sessionID, SessionUpdate{Status: StatusInterrupted, CompletedAt: recoveryStart})
	}

	resumable, err := store.GetResumableConversations(ctx, recoveryStart)
	if err != nil {
		t.Fatalf("GetResumableConversations: %v", err)
	}
	if len(resumable) != 1 || resumable[0].ID != withToken.ID {
		t.Fatalf("resumable = %+v, want only %s", resumable, withToken.ID)
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()
	store, fakeClock := openTestStore(t)
	ctx := context.Background()
	conversation := createConversation(t, store)

	for i, role := range []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant} {
		if _, err := store.CreateMessage(ctx, Message{
			ConversationID: conversation.ID,
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
		}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		fakeClock.Advance(time.Millisecond)
	}

	last, err := store.LastUserMessage(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("LastUserMessage: %v", err)
	}
	if last.Content != "message 2" {
		t.Errorf("LastUserMessage content = %q, want message 2", last.Content)
	}

	history, err := store.ListMessages(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(history) != 4 || history[3].Role != RoleAssistant {
		t.Fatalf("history = %+v", history)
	}

	if _, err := store.CreateMessage(ctx, Message{ConversationID: conversation.ID, Role: "system"}); err == nil {
		t.Error("CreateMessage accepted an invalid role")
	}
	if _, err := store.LastUserMessage(ctx, "empty"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LastUserMessage(empty) error = %v, want ErrNotFound", err)
	}
}
