package domain

// Subscriber is the authenticated visitor identity. It exists only for the
// duration of a request, reconstructed each time from the signed cookie
// token; nothing about it is persisted server-side.
type Subscriber struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Anonymous reports whether this value represents no authenticated identity.
func (s Subscriber) Anonymous() bool {
	return s.ID == 0
}
