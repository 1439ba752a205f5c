package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Menu is the menu item side of Store. It shares the store's mutex.
type Menu struct {
	s *Store
}

var _ crawler.MenuStore = (*Menu)(nil)

// Menu implements crawler.Store.
func (s *Store) Menu() crawler.MenuStore { return &Menu{s: s} }

// InsertMenuItems stores every item as pending with a fresh id.
func (m *Menu) InsertMenuItems(_ context.Context, items []crawler.MenuItem) (int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.nextMenuID++
		item.ID = s.nextMenuID
		item.LLMStatus = crawler.StatusPending
		item.LLMFailureReason, item.LLMFailureKind = "", ""
		item.LLMClaimedAt, item.LLMClaimedBy = nil, ""
		s.menuItems[item.ID] = &item
	}
	return len(items), nil
}

// ClaimExtraction claims items with a description, most recently uploaded
// first.
func (m *Menu) ClaimExtraction(_ context.Context, req crawler.ClaimRequest) ([]crawler.ExtractTask, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*crawler.MenuItem, 0)
	for _, item := range s.menuItems {
		if !item.Claimable() || !claimable(item.LLMStatus, item.LLMClaimedAt, req.LeaseCutoff) {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].DateUploaded, candidates[j].DateUploaded
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}
	tasks := make([]crawler.ExtractTask, 0, len(candidates))
	for _, item := range candidates {
		now := req.Now
		item.LLMStatus = crawler.StatusInProgress
		item.LLMClaimedAt = &now
		item.LLMClaimedBy = req.Owner
		tasks = append(tasks, crawler.ExtractTask{
			ID:          item.ID,
			Title:       item.Name,
			Description: item.Description,
			Category:    item.Category,
			UploadedAt:  item.DateUploaded,
		})
	}
	return tasks, nil
}

// FailExtraction records failed outcomes for items still owned by owner.
func (m *Menu) FailExtraction(_ context.Context, owner string, failed []crawler.ExtractOutcome) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range failed {
		item := s.ownedMenu(o.ID, owner)
		if item == nil {
			continue
		}
		item.LLMStatus = crawler.StatusFailed
		item.LLMFailureReason = crawler.Reason(o.Err)
		item.LLMFailureKind = o.Kind()
		item.LLMClaimedBy = ""
	}
	return nil
}

// SaveDish replaces the dish for itemID and marks the item complete.
func (m *Menu) SaveDish(_ context.Context, itemID int64, owner string, dish crawler.Dish) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.menuItems[itemID]; !ok {
		return crawler.ErrNotFound
	}
	item := s.ownedMenu(itemID, owner)
	if item == nil {
		return crawler.ErrLeaseLost
	}
	s.menuDishes[itemID] = cloneDish(dish)
	item.LLMStatus = crawler.StatusComplete
	item.LLMFailureReason, item.LLMFailureKind = "", ""
	item.LLMClaimedBy = ""
	return nil
}

// GetDish returns the dish saved for itemID.
func (m *Menu) GetDish(_ context.Context, itemID int64) (crawler.Dish, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	dish, ok := s.menuDishes[itemID]
	if !ok {
		return crawler.Dish{}, crawler.ErrNotFound
	}
	return cloneDish(dish), nil
}

// The helpers below expect s.mu to be held.

func (s *Store) ownedMenu(id int64, owner string) *crawler.MenuItem {
	item, ok := s.menuItems[id]
	if !ok || item.LLMStatus != crawler.StatusInProgress || item.LLMClaimedBy != owner {
		return nil
	}
	return item
}

func (s *Store) resetMenu(kind crawler.ErrorKind) int64 {
	var n int64
	for _, item := range s.menuItems {
		if item.LLMStatus != crawler.StatusFailed || (kind != "" && item.LLMFailureKind != kind) {
			continue
		}
		item.LLMStatus = crawler.StatusPending
		item.LLMFailureReason, item.LLMFailureKind = "", ""
		n++
	}
	return n
}

func (s *Store) reclaimMenu(cutoff time.Time) int64 {
	var n int64
	for _, item := range s.menuItems {
		if !expired(item.LLMStatus, item.LLMClaimedAt, cutoff) {
			continue
		}
		item.LLMStatus = crawler.StatusPending
		item.LLMClaimedBy = ""
		n++
	}
	return n
}
