package models

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrValidation marks malformed input. Wrapped with a message describing the field.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks a status change the trade state machine does not allow.
	ErrInvalidTransition = errors.New("invalid trade status")
)

// Role is the authorization role of a user
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// KYCStatus is the identity verification state of a user
type KYCStatus string

const (
	KYCNotStarted KYCStatus = "not_started"
	KYCPending    KYCStatus = "pending"
	KYCApproved   KYCStatus = "approved"
	KYCRejected   KYCStatus = "rejected"
)

// Valid reports whether s is a known KYC status
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCNotStarted, KYCPending, KYCApproved, KYCRejected:
		return true
	}
	return false
}

// UserStats are the trading counters shown on a user's profile
type UserStats struct {
	TotalTrades     int     `json:"totalTrades"`
	CompletedTrades int     `json:"completedTrades"`
	CancelledTrades int     `json:"cancelledTrades"`
	Rating          float64 `json:"rating"`
	ReviewCount     int     `json:"reviewCount"`
}

// StatsDelta is an increment applied to UserStats counters
type StatsDelta struct {
	TotalTrades     int
	CompletedTrades int
	CancelledTrades int
}

// Apply adds the delta to the counters
func (s *UserStats) Apply(d StatsDelta) {
	s.TotalTrades += d.TotalTrades
	s.CompletedTrades += d.CompletedTrades
	s.CancelledTrades += d.CancelledTrades
}

// AddReview folds a new score into the running average rating
func (s *UserStats) AddReview(score int) {
	count := float64(s.ReviewCount)
	s.Rating = (s.Rating*count + float64(score)) / (count + 1)
	s.ReviewCount++
}

// ReplaceReview swaps one counted score for another, keeping the review count
func (s *UserStats) ReplaceReview(old, score int) {
	if s.ReviewCount == 0 {
		s.AddReview(score)
		return
	}
	s.Rating += float64(score-old) / float64(s.ReviewCount)
}

// User represents a registered user
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	KYCStatus    KYCStatus `json:"kycStatus"`
	Stats        UserStats `json:"stats"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the user may act on trades they are not part of
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Page is one page of a paginated listing
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Pages int   `json:"pages"`
}

// NewPage builds a Page, computing the page count from total and limit
func NewPage[T any](items []T, total int64, page, limit int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if limit > 0 {
		pages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return Page[T]{Items: items, Total: total, Page: page, Pages: pages}
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
