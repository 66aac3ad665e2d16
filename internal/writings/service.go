package writings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingStore      = errors.New("change log store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "writings.service.new"
	opCreateWriting     = "writings.create"
	opListWritings      = "writings.list"
	opGetWritingText    = "writings.get_text"
	opSaveText          = "writings.save_text"
	opDeleteWriting     = "writings.delete"
	opDeviceName        = "writings.device_name"
	opUpdateDeviceName  = "writings.update_device_name"
	opSessionsInRange   = "writings.sessions_in_range"
	reasonInvalidInput  = "invalid_input"
	reasonIDFailed      = "id_generation_failed"
	reasonNotFound      = "not_found"
	reasonQueryFailed   = "query_failed"
	reasonWriteFailed   = "write_failed"
	fieldWritingID      = "writing_id"
	queryByID           = "id = ?"
	queryTextsByWriting = "writing = ?"
	orderWritingsDesc   = "created_at DESC, id DESC"
	orderTextsAsc       = "idx ASC"
	sessionsQuery       = `SELECT (LENGTH(text) - LENGTH(REPLACE(text, ' ', '')) + CAST(LENGTH(text) > 0 AS INT)) AS words,
    created_at FROM text WHERE created_at >= ? AND created_at <= ? ORDER BY created_at`
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier receives the payload-free "documents changed" signal.
type Notifier interface {
	WritingsChanged()
}

// ServiceConfig describes the dependencies of the writings service.
type ServiceConfig struct {
	Store      *changelog.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Notifier   Notifier
	Logger     *zap.Logger
}

// Service owns documents, their revisions and the local device name.
type Service struct {
	store      *changelog.Store
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	notifier   Notifier
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		db:         cfg.Store.Database(),
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		logger:     logger,
	}, nil
}

// CreateWriting creates an empty writing and returns its identifier.
func (s *Service) CreateWriting(ctx context.Context) (WritingID, error) {
	rawID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateWriting, reasonIDFailed, err)
		return "", newServiceError(opCreateWriting, reasonIDFailed, err)
	}
	writingID, err := NewWritingID(rawID)
	if err != nil {
		s.logError(opCreateWriting, reasonIDFailed, err)
		return "", newServiceError(opCreateWriting, reasonIDFailed, err)
	}

	createdAt := s.timestamp()
	err = s.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Insert(TableWriting, writingID.String(), map[string]any{
			"title":      "",
			"idx":        int64(0),
			"current":    "",
			"created_at": createdAt,
		})
	})
	if err != nil {
		s.logError(opCreateWriting, reasonWriteFailed, err, zap.String(fieldWritingID, writingID.String()))
		return "", newServiceError(opCreateWriting, reasonWriteFailed, err)
	}

	s.notify()
	return writingID, nil
}

// ListWritings returns every writing, newest first.
func (s *Service) ListWritings(ctx context.Context) ([]Writing, error) {
	var writings []Writing
	if err := s.db.WithContext(ctx).Order(orderWritingsDesc).Find(&writings).Error; err != nil {
		s.logError(opListWritings, reasonQueryFailed, err)
		return nil, newServiceError(opListWritings, reasonQueryFailed, err)
	}
	return writings, nil
}

// GetWritingText returns the revisions of a writing in index order and its current content,
// read from one consistent snapshot.
func (s *Service) GetWritingText(ctx context.Context, writingID WritingID) (WritingText, error) {
	var result WritingText
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var writing Writing
		if err := transaction.Select("current").Where(queryByID, writingID.String()).Take(&writing).Error; err != nil {
			return err
		}
		var texts []Revision
		if err := transaction.Where(queryTextsByWriting, writingID.String()).Order(orderTextsAsc).Find(&texts).Error; err != nil {
			return err
		}
		result = WritingText{Texts: texts, Current: writing.Current}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WritingText{}, newServiceError(opGetWritingText, reasonNotFound, ErrWritingNotFound)
	}
	if err != nil {
		s.logError(opGetWritingText, reasonQueryFailed, err, zap.String(fieldWritingID, writingID.String()))
		return WritingText{}, newServiceError(opGetWritingText, reasonQueryFailed, err)
	}
	return result, nil
}

// SaveText records an editor save. A non-empty Text appends the next revision; Current is
// always replaced; Title is replaced only when supplied.
func (s *Service) SaveText(ctx context.Context, request SaveRequest) error {
	if request.WritingID == "" {
		return newServiceError(opSaveText, reasonInvalidInput, ErrInvalidWritingID)
	}
	writingID := request.WritingID.String()
	createdAt := s.timestamp()

	err := s.store.Update(ctx, func(tx *changelog.Tx) error {
		var writing Writing
		if err := tx.DB().Select("idx").Where(queryByID, writingID).Take(&writing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWritingNotFound
			}
			return err
		}

		values := map[string]any{"current": request.Current}
		if request.Title != nil && strings.TrimSpace(*request.Title) != "" {
			values["title"] = *request.Title
		}
		if request.Text != "" {
			nextIndex := writing.Index + 1
			if err := tx.Upsert(TableText, RevisionID(request.WritingID, nextIndex), map[string]any{
				"writing":    writingID,
				"text":       request.Text,
				"idx":        nextIndex,
				"created_at": createdAt,
			}); err != nil {
				return err
			}
			values["idx"] = nextIndex
		}
		return tx.Update(TableWriting, writingID, values)
	})
	if errors.Is(err, ErrWritingNotFound) {
		return newServiceError(opSaveText, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opSaveText, reasonWriteFailed, err, zap.String(fieldWritingID, writingID))
		return newServiceError(opSaveText, reasonWriteFailed, err)
	}

	s.notify()
	return nil
}

// DeleteWriting removes a writing. Its revisions are left in place.
func (s *Service) DeleteWriting(ctx context.Context, writingID WritingID) error {
	err := s.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Delete(TableWriting, writingID.String())
	})
	if errors.Is(err, changelog.ErrRowNotFound) {
		return newServiceError(opDeleteWriting, reasonNotFound, ErrWritingNotFound)
	}
	if err != nil {
		s.logError(opDeleteWriting, reasonWriteFailed, err, zap.String(fieldWritingID, writingID.String()))
		return newServiceError(opDeleteWriting, reasonWriteFailed, err)
	}

	s.notify()
	return nil
}

// DeviceName returns the local display name advertised to peers.
func (s *Service) DeviceName(ctx context.Context) (string, error) {
	var device Device
	if err := s.db.WithContext(ctx).Where(queryByID, deviceRowID).Take(&device).Error; err != nil {
		s.logError(opDeviceName, reasonQueryFailed, err)
		return "", newServiceError(opDeviceName, reasonQueryFailed, err)
	}
	return device.Name, nil
}

// UpdateDeviceName renames the local device.
func (s *Service) UpdateDeviceName(ctx context.Context, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return newServiceError(opUpdateDeviceName, reasonInvalidInput, ErrInvalidDeviceName)
	}
	if err := s.db.WithContext(ctx).Model(&Device{}).Where(queryByID, deviceRowID).Update("name", trimmed).Error; err != nil {
		s.logError(opUpdateDeviceName, reasonWriteFailed, err)
		return newServiceError(opUpdateDeviceName, reasonWriteFailed, err)
	}
	return nil
}

// SessionsInRange returns the word count of every revision created within [from, to].
func (s *Service) SessionsInRange(ctx context.Context, from, to time.Time) ([]Session, error) {
	if to.Before(from) {
		return nil, newServiceError(opSessionsInRange, reasonInvalidInput, ErrInvalidRange)
	}
	var sessions []Session
	if err := s.db.WithContext(ctx).
		Raw(sessionsQuery, from.UTC().Format(TimestampLayout), to.UTC().Format(TimestampLayout)).
		Scan(&sessions).Error; err != nil {
		s.logError(opSessionsInRange, reasonQueryFailed, err)
		return nil, newServiceError(opSessionsInRange, reasonQueryFailed, err)
	}
	return sessions, nil
}

func (s *Service) timestamp() string {
	return s.clock().UTC().Format(TimestampLayout)
}

func (s *Service) notify() {
	if s.notifier != nil {
		s.notifier.WritingsChanged()
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("writings service error", attrs...)
}
