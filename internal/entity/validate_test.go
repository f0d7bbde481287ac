package entity

import (
	"errors"
	"strings"
	"testing"
)

func TestTagNameKeyFoldsCaseAndComposition(t *testing.T) {
	// "é" as a precomposed rune versus "e" + combining acute accent.
	composed := "Café"
	decomposed := "Café"
	if TagNameKey(composed) != TagNameKey(decomposed) {
		t.Fatalf("expected NFC forms to share a key: %q vs %q", TagNameKey(composed), TagNameKey(decomposed))
	}
	if TagNameKey("  Work  ") != "work" {
		t.Fatalf("expected trimmed lowercase key, got %q", TagNameKey("  Work  "))
	}
}

func TestValidateNoteTitleBounds(t *testing.T) {
	if err := ValidateNoteTitle(""); err != nil {
		t.Fatalf("expected empty title to be allowed, got %v", err)
	}
	if err := ValidateNoteTitle(strings.Repeat("t", MaxTitleLength)); err != nil {
		t.Fatalf("expected max-length title to pass, got %v", err)
	}
	err := ValidateNoteTitle(strings.Repeat("t", MaxTitleLength+1))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "title" {
		t.Fatalf("expected title field in error, got %#v", err)
	}
}

func TestValidateNotebookNameRejectsBlank(t *testing.T) {
	if err := ValidateNotebookName("   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if err := ValidateNotebookName(strings.Repeat("n", MaxNotebookNameLength+1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for oversized name, got %v", err)
	}
	if err := ValidateNotebookName("Inbox"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTagColorPattern(t *testing.T) {
	if err := ValidateTagColor(""); err != nil {
		t.Fatalf("expected empty color to pass, got %v", err)
	}
	if err := ValidateTagColor("#A1b2C3"); err != nil {
		t.Fatalf("expected hex color to pass, got %v", err)
	}
	if err := ValidateTagColor("red"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := ValidateTagColor("#12345"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for short hex, got %v", err)
	}
}

func TestValidateTagCountLimit(t *testing.T) {
	if err := ValidateTagCount(MaxTagsPerNote); err != nil {
		t.Fatalf("expected count at limit to pass, got %v", err)
	}
	if err := ValidateTagCount(MaxTagsPerNote + 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestErrorTaxonomyMatchesSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&ValidationError{Field: "title", Reason: "too long"}, ErrValidation},
		{&NotFoundError{Kind: TypeNote, ID: "note-1"}, ErrNotFound},
		{&ConflictError{Kind: TypeTag, ID: "tag-1", Reason: "duplicate name"}, ErrConflict},
		{&StorageError{Operation: "note_select", Err: errors.New("disk gone")}, ErrStorage},
		{&SyncError{Operation: "push", Retryable: true, Err: errors.New("timeout")}, ErrSync},
	}
	for _, testCase := range cases {
		if !errors.Is(testCase.err, testCase.sentinel) {
			t.Fatalf("expected %v to match %v", testCase.err, testCase.sentinel)
		}
	}
	storageErr := &StorageError{Operation: "op", Err: errors.New("cause")}
	if storageErr.Unwrap() == nil {
		t.Fatalf("expected storage error to unwrap its cause")
	}
}
