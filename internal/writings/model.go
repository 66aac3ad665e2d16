package writings

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TableWriting holds documents. Replicated.
	TableWriting = "writing"
	// TableText holds the append-only revision log of each document. Replicated.
	TableText = "text"
	// TableDevice holds the singleton local device row. Local only.
	TableDevice = "device"

	// TimestampLayout matches SQLite's CURRENT_TIMESTAMP so stored and replicated timestamps compare as text.
	TimestampLayout = "2006-01-02 15:04:05"

	maxIdentifierLength = 190
	deviceRowID         = 1
)

var (
	// ErrInvalidWritingID indicates that a writing identifier is empty or exceeds storage bounds.
	ErrInvalidWritingID = errors.New("writings: invalid writing id")
	// ErrWritingNotFound indicates that the requested writing does not exist.
	ErrWritingNotFound = errors.New("writings: writing not found")
	// ErrInvalidDeviceName indicates that a device name is blank.
	ErrInvalidDeviceName = errors.New("writings: invalid device name")
	// ErrInvalidRange indicates that a session range ends before it starts.
	ErrInvalidRange = errors.New("writings: invalid time range")
)

// WritingID represents a validated writing identifier.
type WritingID string

// NewWritingID validates raw input and returns a WritingID.
func NewWritingID(rawInput string) (WritingID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWritingID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWritingID, maxIdentifierLength)
	}
	return WritingID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WritingID) String() string {
	return string(id)
}

// RevisionID derives the identifier of the revision at index for a writing. Replicas that
// append the same index independently collide on this key; storage keeps the last writer.
func RevisionID(writingID WritingID, index int64) string {
	return fmt.Sprintf("%s-%d", writingID.String(), index)
}

// Writing is a document row.
type Writing struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	Title     string    `gorm:"column:title" json:"title"`
	Index     int64     `gorm:"column:idx" json:"idx"`
	Current   string    `gorm:"column:current" json:"current"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
	Updates   int64     `gorm:"column:updates" json:"updates"`
}

// TableName provides the explicit table binding for GORM.
func (Writing) TableName() string {
	return TableWriting
}

// Revision is one immutable entry of a writing's revision log.
type Revision struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	WritingID string    `gorm:"column:writing" json:"writing"`
	Text      string    `gorm:"column:text" json:"text"`
	Index     int64     `gorm:"column:idx" json:"idx"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return TableText
}

// Device is the singleton local identity metadata row.
type Device struct {
	ID   int64  `gorm:"column:id;primaryKey"`
	Name string `gorm:"column:name"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return TableDevice
}

// WritingText is a writing's revision history plus its latest rendered content.
type WritingText struct {
	Texts   []Revision `json:"texts"`
	Current string     `json:"current"`
}

// SaveRequest describes one save of the editor state.
type SaveRequest struct {
	WritingID WritingID
	// Text is the revision payload; an empty payload updates Current without appending a revision.
	Text    string
	Current string
	// Title is applied only when non-nil and non-empty.
	Title *string
}

// Session summarizes one revision for writing statistics.
type Session struct {
	Words     int64     `json:"words"`
	CreatedAt time.Time `json:"created_at"`
}
