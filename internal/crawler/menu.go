package crawler

import (
	"context"
	"strings"
	"time"
)

// MenuItem is a restaurant menu entry awaiting LLM extraction. Items without
// a description are stored but never claimed.
type MenuItem struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Category     string     `json:"category,omitempty"`
	DateUploaded *time.Time `json:"date_uploaded,omitempty"`

	LLMStatus        Status     `json:"llm_status"`
	LLMFailureReason string     `json:"llm_failure_reason,omitempty"`
	LLMFailureKind   ErrorKind  `json:"llm_failure_kind,omitempty"`
	LLMClaimedAt     *time.Time `json:"llm_claimed_at,omitempty"`
	LLMClaimedBy     string     `json:"llm_claimed_by,omitempty"`
}

// Claimable reports whether the item has enough text to send to the model.
func (m MenuItem) Claimable() bool {
	return strings.TrimSpace(m.Description) != ""
}

// MenuStore persists menu items and the dishes extracted from them. Its
// claim and save methods mirror the URL extraction protocol, keyed by menu
// item id.
type MenuStore interface {
	// InsertMenuItems adds pending items and returns how many were stored.
	InsertMenuItems(ctx context.Context, items []MenuItem) (int, error)
	ClaimExtraction(ctx context.Context, req ClaimRequest) ([]ExtractTask, error)
	FailExtraction(ctx context.Context, owner string, failed []ExtractOutcome) error
	SaveDish(ctx context.Context, itemID int64, owner string, dish Dish) error
	GetDish(ctx context.Context, itemID int64) (Dish, error)
}

// ApplyMenuDefaults fills the fields a menu entry cannot supply. The upload
// date stands in for the publication date; ratings are zero and ingredient
// amounts are unknown.
func (d *Dish) ApplyMenuDefaults(uploaded *time.Time) {
	d.DatePublished = Date{}
	if uploaded != nil {
		d.DatePublished = NewDate(*uploaded)
	}
	d.DateUpdated = Date{}
	d.StarRating = nil
	ratings, reviews := int64(0), int64(0)
	d.NumRatings, d.NumReviews = &ratings, &reviews
	for i := range d.Ingredients {
		d.Ingredients[i].Quantity = nil
		d.Ingredients[i].Units = ""
	}
}
