package domain

import "fmt"

// EntitlementKind distinguishes the two things a piece of content can require.
type EntitlementKind string

const (
	// EntitlementTag requires the subscriber to carry a tag.
	EntitlementTag EntitlementKind = "tag"
	// EntitlementProduct requires the subscriber to have purchased a product.
	EntitlementProduct EntitlementKind = "product"
)

// Valid reports whether the kind is one of the two known values.
func (k EntitlementKind) Valid() bool {
	return k == EntitlementTag || k == EntitlementProduct
}

// Entitlement names the tag or product a piece of content requires.
// Immutable once read from content metadata for a given request.
type Entitlement struct {
	Kind EntitlementKind `json:"kind"`
	ID   int64           `json:"id"`
}

// Key returns a stable string form, used as a cache key component.
func (e Entitlement) Key() string {
	return fmt.Sprintf("%s:%d", e.Kind, e.ID)
}
