package entity

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// TagNameKey derives the canonical uniqueness key for a tag name: trimmed,
// NFC-normalized, lowercased. Two names with the same key are the same tag
// name regardless of case or Unicode composition.
func TagNameKey(name string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(name)))
}

// ValidateNoteTitle bounds the title length. Empty titles are allowed.
func ValidateNoteTitle(title string) error {
	if len(title) > MaxTitleLength {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("exceeds %d characters", MaxTitleLength)}
	}
	return nil
}

// ValidateNotebookName requires a non-blank name within bounds.
func ValidateNotebookName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "blank"}
	}
	if len(name) > MaxNotebookNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("exceeds %d characters", MaxNotebookNameLength)}
	}
	return nil
}

// ValidateTagName requires a non-blank name within bounds.
func ValidateTagName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "blank"}
	}
	if len(name) > MaxTagNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("exceeds %d characters", MaxTagNameLength)}
	}
	return nil
}

// ValidateTagColor accepts an empty color or a #rrggbb value.
func ValidateTagColor(color string) error {
	if color == "" {
		return nil
	}
	if !colorPattern.MatchString(color) {
		return &ValidationError{Field: "color", Reason: "must be #rrggbb"}
	}
	return nil
}

// ValidateTagCount bounds the number of tags on a single note.
func ValidateTagCount(count int) error {
	if count > MaxTagsPerNote {
		return &ValidationError{Field: "tags", Reason: fmt.Sprintf("exceeds %d tags", MaxTagsPerNote)}
	}
	return nil
}
