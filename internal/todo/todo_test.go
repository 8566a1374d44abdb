package todo

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(filepath.Join(t.TempDir(), "todo.db"))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddAndList_OrderPreserved(t *testing.T) {
	m := testMachine(t)

	for _, desc := range []string{"first", "second", "third"} {
		if _, err := m.Add("scope1", desc); err != nil {
			t.Fatalf("Add(%q): %v", desc, err)
		}
	}

	items, err := m.List("scope1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3", len(items))
	}
	for i, want := range []string{"first", "second", "third"} {
		if items[i].Description != want {
			t.Errorf("items[%d] = %q, want %q", i, items[i].Description, want)
		}
		if items[i].Status != StatusNotStarted {
			t.Errorf("items[%d] status = %q, want not-started", i, items[i].Status)
		}
	}
}

func TestSetStatus_SingleInProgressInvariant(t *testing.T) {
	m := testMachine(t)

	a, _ := m.Add("scope1", "task A")
	b, _ := m.Add("scope1", "task B")

	if err := m.SetStatus(a.ID, StatusInProgress); err != nil {
		t.Fatalf("start A: %v", err)
	}

	err := m.SetStatus(b.ID, StatusInProgress)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("starting B while A in-progress: got %v, want InvalidTransitionError", err)
	}

	// Completing A frees the slot.
	if err := m.SetStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if err := m.SetStatus(b.ID, StatusInProgress); err != nil {
		t.Fatalf("start B after A completed: %v", err)
	}
}

func TestSetStatus_DifferentScopesIndependent(t *testing.T) {
	m := testMachine(t)

	a, _ := m.Add("scope1", "task A")
	b, _ := m.Add("scope2", "task B")

	if err := m.SetStatus(a.ID, StatusInProgress); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := m.SetStatus(b.ID, StatusInProgress); err != nil {
		t.Fatalf("start B in different scope: %v", err)
	}
}

func TestSetStatus_CompletedIsTerminal(t *testing.T) {
	m := testMachine(t)

	a, _ := m.Add("scope1", "task A")
	if err := m.SetStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var ite *InvalidTransitionError
	if err := m.SetStatus(a.ID, StatusInProgress); !errors.As(err, &ite) {
		t.Errorf("reopening completed item: got %v, want InvalidTransitionError", err)
	}
	if err := m.SetStatus(a.ID, StatusNotStarted); !errors.As(err, &ite) {
		t.Errorf("resetting completed item: got %v, want InvalidTransitionError", err)
	}
}

func TestSetStatus_CompleteTwiceIsIdempotent(t *testing.T) {
	m := testMachine(t)

	a, _ := m.Add("scope1", "task A")
	if err := m.SetStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := m.SetStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("second complete should be a no-op, got %v", err)
	}

	got, err := m.Get(a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestSetStatus_UnknownStatusRejected(t *testing.T) {
	m := testMachine(t)
	a, _ := m.Add("scope1", "task A")

	var ite *InvalidTransitionError
	if err := m.SetStatus(a.ID, Status("paused")); !errors.As(err, &ite) {
		t.Errorf("unknown status: got %v, want InvalidTransitionError", err)
	}
}

func TestOutstanding(t *testing.T) {
	m := testMachine(t)

	a, _ := m.Add("scope1", "task A")
	m.Add("scope1", "task B")

	if n, _ := m.Outstanding("scope1"); n != 2 {
		t.Errorf("outstanding = %d, want 2", n)
	}

	m.SetStatus(a.ID, StatusInProgress)
	m.SetStatus(a.ID, StatusCompleted)

	if n, _ := m.Outstanding("scope1"); n != 1 {
		t.Errorf("outstanding after completing A = %d, want 1", n)
	}
}

func TestConcurrentStarts_OnlyOneWins(t *testing.T) {
	m := testMachine(t)

	var ids []string
	for i := 0; i < 8; i++ {
		item, _ := m.Add("scope1", "task")
		ids = append(ids, item.ID)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errCh <- m.SetStatus(id, StatusInProgress)
		}(id)
	}
	wg.Wait()
	close(errCh)

	succeeded := 0
	for err := range errCh {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent starts succeeded, want exactly 1", succeeded)
	}

	items, _ := m.List("scope1")
	inProgress := 0
	for _, item := range items {
		if item.Status == StatusInProgress {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Errorf("%d items in-progress, want exactly 1", inProgress)
	}
}

func TestSnapshot(t *testing.T) {
	m := testMachine(t)

	a, _ := m.Add("scope1", "write the report")
	b, _ := m.Add("scope1", "send the report")
	m.SetStatus(a.ID, StatusInProgress)
	_ = b

	items, _ := m.List("scope1")
	got := Snapshot(items)

	if !strings.Contains(got, "[>] write the report") {
		t.Errorf("snapshot missing in-progress marker:\n%s", got)
	}
	if !strings.Contains(got, "[ ] send the report") {
		t.Errorf("snapshot missing not-started marker:\n%s", got)
	}

	if Snapshot(nil) != "" {
		t.Error("empty snapshot should be empty string")
	}
}
