package domain

import "time"

// Piece is one unit of protected content. Which tag or product it requires is
// stored as dedicated indexed columns, so "all pieces gated by tag X" is a
// plain indexed lookup rather than a scan over serialized metadata.
type Piece struct {
	ID          string      `json:"id"`
	Slug        string      `json:"slug"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	Entitlement Entitlement `json:"entitlement"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
