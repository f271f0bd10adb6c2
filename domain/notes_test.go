package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNoteToString(t *testing.T) {
	id := uuid.New()
	note := &Note{
		Id:        id,
		CreatedBy: "testuser",
		Message:   "Test message",
		CreatedAt: time.Now(),
	}

	result := note.ToString()

	for _, want := range []string{"testuser", "Test message", id.String()} {
		if !strings.Contains(result, want) {
			t.Errorf("ToString() should contain %q, got: %s", want, result)
		}
	}
}

func TestNoteTombstoned(t *testing.T) {
	note := Note{Id: uuid.New()}
	if note.Tombstoned() {
		t.Error("Fresh note should not be tombstoned")
	}

	now := time.Now()
	note.DeletedAt = &now
	if !note.Tombstoned() {
		t.Error("Note with DeletedAt should be tombstoned")
	}
}
