package storage

import (
	"errors"
	"testing"
)

func TestJSONFileStorage_ResumeToken_SaveLoad(t *testing.T) {
	store, err := NewJSONFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStorage failed: %v", err)
	}

	id := PartyID("/work/project")
	if err := store.SaveResumeToken(id, "/work/project", "sess-1"); err != nil {
		t.Fatalf("SaveResumeToken failed: %v", err)
	}

	token, err := store.LoadResumeToken(id)
	if err != nil {
		t.Fatalf("LoadResumeToken failed: %v", err)
	}
	if token != "sess-1" {
		t.Fatalf("expected sess-1, got %q", token)
	}

	if err := store.SaveResumeToken(id, "/work/project", "sess-2"); err != nil {
		t.Fatalf("SaveResumeToken failed: %v", err)
	}
	rec, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.ResumeToken != "sess-2" || rec.WorkingDir != "/work/project" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestJSONFileStorage_ResumeToken_NotFound(t *testing.T) {
	store, _ := NewJSONFileStorage(t.TempDir())

	if _, err := store.LoadResumeToken("missing"); !errors.Is(err, ErrResumeTokenNotFound) {
		t.Fatalf("expected ErrResumeTokenNotFound, got %v", err)
	}

	if err := store.SaveResumeToken("blank", "/tmp", ""); err != nil {
		t.Fatalf("SaveResumeToken failed: %v", err)
	}
	if _, err := store.LoadResumeToken("blank"); !errors.Is(err, ErrResumeTokenNotFound) {
		t.Fatalf("expected ErrResumeTokenNotFound for empty token, got %v", err)
	}
}

func TestJSONFileStorage_ResumeToken_KeepsSessionState(t *testing.T) {
	store, _ := NewJSONFileStorage(t.TempDir())
	snap := newSnapshot(t, "keep")
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.SaveResumeToken("keep", snap.WorkingDir, "tok"); err != nil {
		t.Fatalf("SaveResumeToken failed: %v", err)
	}
	rec, _ := store.Load("keep")
	if rec.State != snap.State.String() || len(rec.Transitions) != len(snap.Transitions) {
		t.Fatalf("resume token update lost session state: %+v", rec)
	}
}
