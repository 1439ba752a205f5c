package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

func TestMenuClaimSkipsEmptyDescriptionsAndOrdersByUpload(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	older, newer := t0.Add(-48*time.Hour), t0.Add(-time.Hour)

	n, err := s.Menu().InsertMenuItems(ctx, []crawler.MenuItem{
		{Name: "Fries", Description: "hand cut", Category: "Sides", DateUploaded: &older},
		{Name: "Water", Description: " "},
		{Name: "Margherita", Description: "tomato, basil", Category: "Pizza", DateUploaded: &newer},
		{Name: "Soup", Description: "of the day"},
	})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	tasks, err := s.Menu().ClaimExtraction(ctx, claimReq("w1", 10, t0))
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, "Margherita", tasks[0].Title)
	require.Equal(t, "Pizza", tasks[0].Category)
	require.Equal(t, &newer, tasks[0].UploadedAt)
	require.Empty(t, tasks[0].URL)
	require.Equal(t, "Fries", tasks[1].Title)
	require.Equal(t, "Soup", tasks[2].Title)

	again, err := s.Menu().ClaimExtraction(ctx, claimReq("w2", 10, t0))
	require.NoError(t, err)
	require.Empty(t, again)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), counts[crawler.PhaseMenu][crawler.StatusInProgress])
	require.Equal(t, int64(1), counts[crawler.PhaseMenu][crawler.StatusPending])
}

func TestMenuSaveFailResetAndReclaim(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	menu := s.Menu()
	_, err := menu.InsertMenuItems(ctx, []crawler.MenuItem{
		{Name: "Margherita", Description: "tomato, basil"},
		{Name: "Fries", Description: "hand cut"},
		{Name: "Soup", Description: "of the day"},
	})
	require.NoError(t, err)
	tasks, err := menu.ClaimExtraction(ctx, claimReq("w1", 3, t0))
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	require.ErrorIs(t, menu.SaveDish(ctx, 1, "w2", crawler.Dish{DishName: "Pizza"}), crawler.ErrLeaseLost)
	require.ErrorIs(t, menu.SaveDish(ctx, 99, "w1", crawler.Dish{DishName: "Pizza"}), crawler.ErrNotFound)
	require.NoError(t, menu.SaveDish(ctx, 1, "w1", crawler.Dish{DishName: "Pizza"}))
	dish, err := menu.GetDish(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Pizza", dish.DishName)
	_, err = s.GetDish(ctx, 1)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, menu.FailExtraction(ctx, "w1", []crawler.ExtractOutcome{
		{ID: 2, Err: crawler.NewError(crawler.KindValidation, "no dish", nil)},
	}))

	n, err := s.ReclaimExpired(ctx, crawler.PhaseMenu, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.ResetFailed(ctx, crawler.PhaseMenu, crawler.KindTransient)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.ResetFailed(ctx, crawler.PhaseMenu, crawler.KindValidation)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[crawler.PhaseMenu][crawler.StatusComplete])
	require.Equal(t, int64(2), counts[crawler.PhaseMenu][crawler.StatusPending])
}
