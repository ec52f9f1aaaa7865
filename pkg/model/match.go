package model

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MatchMinTargetSize = 2
	MatchMaxTargetSize = 10

	MaxLocationLength = 64
	MaxCategoryLength = 32
)

var ErrCategoryEmpty = errors.New("match category must not be empty")
var ErrCategoryTooLong = errors.New("match category too long")
var ErrLocationTooLong = errors.New("match location too long")
var ErrTargetSizeRange = errors.New("match target size out of range")

// MatchStatus is the lifecycle state of a match request.
// Matched, Cancelled, and Failed are terminal: once reached, no further
// transition is accepted.
type MatchStatus int

const (
	MatchIdle MatchStatus = iota
	MatchPending
	MatchMatched
	MatchCancelled
	MatchFailed
)

func (s MatchStatus) String() string {
	switch s {
	case MatchIdle:
		return "idle"
	case MatchPending:
		return "pending"
	case MatchMatched:
		return "matched"
	case MatchCancelled:
		return "cancelled"
	case MatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is absorbing.
func (s MatchStatus) Terminal() bool {
	return s == MatchMatched || s == MatchCancelled || s == MatchFailed
}

// MatchCriteria describes what kind of group the user wants to join.
type MatchCriteria struct {
	Location   string `json:"location"`
	Category   string `json:"category"`
	TargetSize int    `json:"target_size"`
}

// Validate checks the criteria before a match request is issued.
func (c MatchCriteria) Validate() error {
	if strings.TrimSpace(c.Category) == "" {
		return ErrCategoryEmpty
	} else if utf8.RuneCountInString(c.Category) > MaxCategoryLength {
		return ErrCategoryTooLong
	}

	if utf8.RuneCountInString(c.Location) > MaxLocationLength {
		return ErrLocationTooLong
	}

	if c.TargetSize < MatchMinTargetSize || c.TargetSize > MatchMaxTargetSize {
		return ErrTargetSizeRange
	}

	return nil
}

// MatchRequest is one matching attempt, owned by a single coordinator.
type MatchRequest struct {
	RequestID string        `json:"request_id"`
	Criteria  MatchCriteria `json:"criteria"`
	Status    MatchStatus   `json:"status"`
	RoomID    int64         `json:"room_id"` // set when Status == MatchMatched
}
