package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/order"
)

func TestPurgeCmd_DryRun(t *testing.T) {
	store := seedStore(t)
	done := seedWorkOrder(t, store, "Rewrite the ingest pipeline to batch inserts", order.StatusCompleted)
	live := seedWorkOrder(t, store, "Add a health endpoint to the billing service", order.StatusRunning)

	var buf bytes.Buffer
	cmd := newPurgeCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"--dry-run"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("purge --dry-run failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, done.ID) {
		t.Errorf("dry run should list terminal order:\n%s", output)
	}
	if strings.Contains(output, live.ID) {
		t.Errorf("dry run must not list running order:\n%s", output)
	}

	// Dry run removes nothing.
	if _, err := store.Load(done.ID); err != nil {
		t.Errorf("terminal order should survive a dry run: %v", err)
	}
}

func TestPurgeCmd_RemovesTerminalOnly(t *testing.T) {
	store := seedStore(t)
	done := seedWorkOrder(t, store, "Rewrite the ingest pipeline to batch inserts", order.StatusCompleted)
	live := seedWorkOrder(t, store, "Add a health endpoint to the billing service", order.StatusRunning)

	var buf bytes.Buffer
	cmd := newPurgeCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Removed 1") {
		t.Errorf("unexpected summary:\n%s", buf.String())
	}

	if _, err := store.Load(done.ID); err == nil {
		t.Error("completed order should be removed")
	}
	if _, err := store.Load(live.ID); err != nil {
		t.Errorf("running order must survive: %v", err)
	}
}

func TestPurgeCmd_OlderThan(t *testing.T) {
	store := seedStore(t)
	fresh := seedWorkOrder(t, store, "Rewrite the ingest pipeline to batch inserts", order.StatusCompleted)

	old := seedWorkOrder(t, store, "Add a health endpoint to the billing service", order.StatusFailed)
	stamp := time.Now().Add(-48 * time.Hour)
	old.CompletedAt = &stamp
	if err := store.Save(old); err != nil {
		t.Fatalf("save old order: %v", err)
	}

	var buf bytes.Buffer
	cmd := newPurgeCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"--older-than", "24h"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("purge --older-than failed: %v", err)
	}

	if _, err := store.Load(old.ID); err == nil {
		t.Error("old terminal order should be removed")
	}
	if _, err := store.Load(fresh.ID); err != nil {
		t.Errorf("recent terminal order must survive: %v", err)
	}
}

func TestPurgeCmd_RejectsNonTerminalStatus(t *testing.T) {
	seedStore(t)

	cmd := newPurgeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--status", "running"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}
