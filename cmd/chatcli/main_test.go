package main

import (
	"testing"
	"time"

	"github.com/playtrade/marketchat/internal/chatsync"
)

func TestRendererHandlesBackfillInsertion(t *testing.T) {
	r := newRenderer()
	ts := time.Now()

	lines := r.newLines([]chatsync.Message{
		{ID: "m2", SenderName: "alice", Content: "second", Timestamp: ts},
	})
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}

	// Backfill inserts an earlier message before the one already shown.
	lines = r.newLines([]chatsync.Message{
		{ID: "m1", SenderName: "bob", Content: "first", Timestamp: ts.Add(-time.Second)},
		{ID: "m2", SenderName: "alice", Content: "second", Timestamp: ts},
	})
	if len(lines) != 1 || lines[0] != "  <bob> first" {
		t.Fatalf("backfilled message mishandled: %v", lines)
	}

	if lines = r.newLines([]chatsync.Message{
		{ID: "m1", SenderName: "bob", Content: "first", Timestamp: ts.Add(-time.Second)},
		{ID: "m2", SenderName: "alice", Content: "second", Timestamp: ts},
	}); len(lines) != 0 {
		t.Errorf("unchanged snapshot reprinted: %v", lines)
	}
}

func TestRendererKeepsReconciledIdentity(t *testing.T) {
	r := newRenderer()

	lines := r.newLines([]chatsync.Message{
		{ID: "local:ref-1", ClientRef: "ref-1", SenderName: "me", Content: "hi", Status: chatsync.StatusSending},
	})
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}

	// Server echo replaced the optimistic id; same clientRef, no reprint.
	if lines = r.newLines([]chatsync.Message{
		{ID: "srv-1", ClientRef: "ref-1", SenderName: "me", Content: "hi", Status: chatsync.StatusSent},
	}); len(lines) != 0 {
		t.Errorf("reconciled message reprinted: %v", lines)
	}
}

func TestFormatLineClassifiesSystemMessages(t *testing.T) {
	line := formatLine(chatsync.Message{
		SenderName:      "ops",
		Content:         "Order escrow released.",
		IsSystemMessage: true,
	})
	if line != "  * Order escrow released." {
		t.Errorf("system line = %q", line)
	}

	line = formatLine(chatsync.Message{SenderName: "alice", Content: "hello", Status: chatsync.StatusFailed})
	if line != "  <alice> hello [failed]" {
		t.Errorf("user line = %q", line)
	}
}
