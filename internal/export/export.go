// Package export moves a store's live content across the JSON boundary. An
// export is a plain full-state dump; an import replays the dump as fresh
// creation commands so the content enters the journal like any other edit
// and syncs to the owner's other devices.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/store"
)

// FormatVersion is the envelope version this build reads and writes.
const FormatVersion = 1

const (
	opServiceNew = "export.service.new"
	opExport     = "export.write"
	opImport     = "export.import"
)

var errMissingStore = errors.New("entity store is required")

// Envelope is the versioned export document.
type Envelope struct {
	Version           int        `json:"version"`
	ExportedAtSeconds int64      `json:"exported_at_s"`
	Notebooks         []Notebook `json:"notebooks"`
	Tags              []Tag      `json:"tags"`
	Notes             []Note     `json:"notes"`
}

// Notebook is the exported notebook shape. Identifiers are only used to
// stitch references back together on import; the importing store issues new
// ones.
type Notebook struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

// Tag is the exported tag shape.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Note is the exported note shape.
type Note struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	NotebookID *string           `json:"notebook_id,omitempty"`
	TagIDs     []string          `json:"tag_ids,omitempty"`
	Status     entity.NoteStatus `json:"status"`
	IsPinned   bool              `json:"is_pinned"`
}

// ImportSummary counts what an import created or reused.
type ImportSummary struct {
	Notebooks int
	Tags      int
	Notes     int
}

// Config wires the export service.
type Config struct {
	Store  *store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service reads and writes export envelopes against one entity store.
type Service struct {
	store  *store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, &entity.StorageError{Operation: opServiceNew + ".missing_store", Err: errMissingStore}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Export writes the owner's live entities as an indented JSON envelope.
// Tombstoned entities stay behind; they are sync state, not content.
func (s *Service) Export(ctx context.Context, ownerID string, w io.Writer) error {
	notebooks, err := s.store.ListNotebooks(ctx, ownerID, false)
	if err != nil {
		return err
	}
	tags, err := s.store.ListTags(ctx, ownerID, false)
	if err != nil {
		return err
	}
	notes, err := s.store.ListNotes(ctx, ownerID, store.NoteFilter{})
	if err != nil {
		return err
	}

	envelope := Envelope{
		Version:           FormatVersion,
		ExportedAtSeconds: s.clock().UTC().Unix(),
		Notebooks:         make([]Notebook, 0, len(notebooks)),
		Tags:              make([]Tag, 0, len(tags)),
		Notes:             make([]Note, 0, len(notes)),
	}
	for _, notebook := range notebooks {
		envelope.Notebooks = append(envelope.Notebooks, Notebook{
			ID:       notebook.ID,
			Name:     notebook.Name,
			ParentID: notebook.ParentID,
		})
	}
	for _, tag := range tags {
		envelope.Tags = append(envelope.Tags, Tag{
			ID:    tag.ID,
			Name:  tag.Name,
			Color: tag.Color,
		})
	}
	for _, note := range notes {
		envelope.Notes = append(envelope.Notes, Note{
			ID:         note.ID,
			Title:      note.Title,
			Content:    note.Content,
			NotebookID: note.NotebookID,
			TagIDs:     note.TagIDs(),
			Status:     note.Status,
			IsPinned:   note.IsPinned,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(envelope); err != nil {
		s.logger.Error("export encode failed", zap.Error(err))
		return &entity.StorageError{Operation: opExport + ".encode_failed", Err: err}
	}
	s.logger.Info("export written",
		zap.Int("notebooks", len(envelope.Notebooks)),
		zap.Int("tags", len(envelope.Tags)),
		zap.Int("notes", len(envelope.Notes)))
	return nil
}

// Import replays an envelope through the consumer command API under new
// identifiers. Notebooks import parent-before-child; a tag whose name is
// already in use maps onto the existing tag instead of failing the import.
func (s *Service) Import(ctx context.Context, ownerID string, r io.Reader) (ImportSummary, error) {
	var envelope Envelope
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return ImportSummary{}, &entity.ValidationError{Field: "envelope", Reason: fmt.Sprintf("decode: %v", err)}
	}
	if envelope.Version != FormatVersion {
		return ImportSummary{}, &entity.ValidationError{Field: "version", Reason: fmt.Sprintf("unsupported version %d", envelope.Version)}
	}

	summary := ImportSummary{}

	notebookIDs, err := s.importNotebooks(ctx, ownerID, envelope.Notebooks)
	if err != nil {
		return summary, err
	}
	summary.Notebooks = len(notebookIDs)

	tagIDs, err := s.importTags(ctx, ownerID, envelope.Tags)
	if err != nil {
		return summary, err
	}
	summary.Tags = len(tagIDs)

	for _, note := range envelope.Notes {
		params := store.CreateNoteParams{
			Title:    note.Title,
			Content:  note.Content,
			Status:   note.Status,
			IsPinned: note.IsPinned,
		}
		if note.NotebookID != nil {
			if mapped, ok := notebookIDs[*note.NotebookID]; ok {
				params.NotebookID = &mapped
			}
		}
		for _, tagID := range note.TagIDs {
			if mapped, ok := tagIDs[tagID]; ok {
				params.TagIDs = append(params.TagIDs, mapped)
			}
		}
		if _, err := s.store.CreateNote(ctx, ownerID, params); err != nil {
			return summary, err
		}
		summary.Notes++
	}

	s.logger.Info("import applied",
		zap.Int("notebooks", summary.Notebooks),
		zap.Int("tags", summary.Tags),
		zap.Int("notes", summary.Notes))
	return summary, nil
}

// importNotebooks creates notebooks in dependency order and returns the
// identifier mapping. A parent missing from the envelope lands the notebook
// at the root; a parent chain that never resolves is a cycle and rejects the
// envelope.
func (s *Service) importNotebooks(ctx context.Context, ownerID string, notebooks []Notebook) (map[string]string, error) {
	mapped := make(map[string]string, len(notebooks))
	inEnvelope := make(map[string]struct{}, len(notebooks))
	for _, notebook := range notebooks {
		inEnvelope[notebook.ID] = struct{}{}
	}

	pending := notebooks
	for len(pending) > 0 {
		var deferred []Notebook
		progressed := false
		for _, notebook := range pending {
			var parentID *string
			if notebook.ParentID != nil {
				if _, known := inEnvelope[*notebook.ParentID]; known {
					created, ok := mapped[*notebook.ParentID]
					if !ok {
						deferred = append(deferred, notebook)
						continue
					}
					parentID = &created
				}
			}
			created, err := s.store.CreateNotebook(ctx, ownerID, notebook.Name, parentID)
			if err != nil {
				return nil, err
			}
			mapped[notebook.ID] = created.ID
			progressed = true
		}
		if !progressed {
			s.logError(opImport, "notebook_cycle", nil, zap.Int("unresolved", len(deferred)))
			return nil, &entity.ValidationError{Field: "notebooks", Reason: "parent references form a cycle"}
		}
		pending = deferred
	}
	return mapped, nil
}

// importTags creates tags, folding a name collision onto the existing tag.
func (s *Service) importTags(ctx context.Context, ownerID string, tags []Tag) (map[string]string, error) {
	mapped := make(map[string]string, len(tags))
	for _, tag := range tags {
		created, err := s.store.CreateTag(ctx, ownerID, tag.Name, tag.Color)
		if err == nil {
			mapped[tag.ID] = created.ID
			continue
		}
		if !errors.Is(err, entity.ErrConflict) {
			return nil, err
		}
		existing, err := s.findLiveTagByName(ctx, ownerID, tag.Name)
		if err != nil {
			return nil, err
		}
		mapped[tag.ID] = existing.ID
	}
	return mapped, nil
}

func (s *Service) findLiveTagByName(ctx context.Context, ownerID, name string) (*entity.Tag, error) {
	key := entity.TagNameKey(name)
	tags, err := s.store.ListTags(ctx, ownerID, false)
	if err != nil {
		return nil, err
	}
	for index := range tags {
		if tags[index].NameKey == key {
			return &tags[index], nil
		}
	}
	return nil, &entity.NotFoundError{Kind: entity.TypeTag, ID: name}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	s.logger.Error("export error", append(attrs, fields...)...)
}
