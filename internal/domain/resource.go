package domain

import "time"

// Collection names the remote collections this service mirrors. The set is
// fixed and small; it is not a pluggable cache framework.
type Collection string

const (
	CollectionForms        Collection = "forms"
	CollectionTags         Collection = "tags"
	CollectionProducts     Collection = "products"
	CollectionLandingPages Collection = "landing_pages"
	CollectionPosts        Collection = "posts"
)

// Collections lists every known collection name.
func Collections() []Collection {
	return []Collection{
		CollectionForms,
		CollectionTags,
		CollectionProducts,
		CollectionLandingPages,
		CollectionPosts,
	}
}

// Valid reports whether the name is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionForms, CollectionTags, CollectionProducts, CollectionLandingPages, CollectionPosts:
		return true
	}
	return false
}

// Resource is one item of a remote collection. The remote API returns more
// fields per type; only those the gating and admin surfaces need are kept.
type Resource struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url,omitempty"`
	Published bool   `json:"published,omitempty"`
}

// CachedCollection is the mirrored state of one remote collection. Replaced
// atomically on refresh, never partially mutated.
type CachedCollection struct {
	Items           map[int64]Resource `json:"items"`
	LastRefreshedAt time.Time          `json:"last_refreshed_at"`
}

// Age returns how old the cached snapshot is at the given instant.
func (c CachedCollection) Age(now time.Time) time.Duration {
	return now.Sub(c.LastRefreshedAt)
}
