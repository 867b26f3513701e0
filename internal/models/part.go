package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	// JuzCount is the number of parts a Hatim is divided into.
	JuzCount = 30
	// MushafPages is the page count of the standard Madani mushaf.
	MushafPages = 604
)

// Part is one juz of a Hatim. Once IsCompleted is set the row is frozen.
type Part struct {
	ID          uuid.UUID  `json:"id"`
	HatimID     uuid.UUID  `json:"hatim_id"`
	JuzNumber   int        `json:"juz_number"`
	HolderID    *uuid.UUID `json:"holder_id,omitempty"`
	IsCompleted bool       `json:"is_completed"`
	StartPage   int        `json:"start_page"`
	EndPage     int        `json:"end_page"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HeldBy reports whether userID currently holds the part.
func (p *Part) HeldBy(userID uuid.UUID) bool {
	return p.HolderID != nil && *p.HolderID == userID
}

// ValidJuz reports whether n is a juz number in 1..30.
func ValidJuz(n int) bool {
	return n >= 1 && n <= JuzCount
}

// JuzPages returns the first and last mushaf page of juz n.
// Juz 1 runs 1-21, juz 30 runs 582-604, the rest are 20 pages from page 22.
func JuzPages(n int) (start, end int) {
	switch {
	case !ValidJuz(n):
		return 0, 0
	case n == 1:
		return 1, 21
	case n == JuzCount:
		return 582, MushafPages
	default:
		start = 22 + 20*(n-2)
		return start, start + 19
	}
}
