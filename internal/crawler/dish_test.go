package crawler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want *float64
	}{
		{in: "2", want: ptr(2)},
		{in: "1.5", want: ptr(1.5)},
		{in: "1-3", want: ptr(1)},
		{in: "1.5 - 2.5", want: ptr(1.5)},
		{in: "2 to 4", want: ptr(2)},
		{in: "2 TO 4", want: ptr(2)},
		{in: "3–4", want: ptr(3)},
		{in: "about 2 cups", want: ptr(2)},
		{in: "a pinch", want: nil},
		{in: "", want: nil},
	}
	for _, tt := range tests {
		got := ParseQuantity(tt.in)
		if tt.want == nil {
			require.Nil(t, got, "input %q", tt.in)
			continue
		}
		require.NotNil(t, got, "input %q", tt.in)
		require.InDelta(t, *tt.want, *got, 1e-9, "input %q", tt.in)
	}
}

func TestIngredientUnmarshalQuantity(t *testing.T) {
	t.Parallel()
	var dish Dish
	payload := `{
		"dish_name": "Apple Pie",
		"date_published": "2024-01-01",
		"date_updated": "garbage",
		"ingredients": [
			{"ingredient": "apples", "flavor_ingredient": "apple", "quantity": 3},
			{"ingredient": "sugar", "flavor_ingredient": "sugar", "quantity": "1-2"},
			{"ingredient": "salt", "flavor_ingredient": "salt", "quantity": null},
			{"ingredient": "cinnamon", "flavor_ingredient": "cinnamon", "quantity": "to taste"}
		]
	}`
	require.NoError(t, json.Unmarshal([]byte(payload), &dish))
	require.Len(t, dish.Ingredients, 4)
	require.InDelta(t, 3, *dish.Ingredients[0].Quantity, 1e-9)
	require.InDelta(t, 1, *dish.Ingredients[1].Quantity, 1e-9)
	require.Nil(t, dish.Ingredients[2].Quantity)
	require.Nil(t, dish.Ingredients[3].Quantity)
	require.Equal(t, "apple", dish.Ingredients[0].FlavorIngredient)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), dish.DatePublished.Time)
	require.True(t, dish.DateUpdated.IsZero())
	require.Nil(t, dish.DateUpdated.Value())
}

func TestDishNormalize(t *testing.T) {
	t.Parallel()
	dish := Dish{
		DishName:        "  Apple Pie ",
		MealTime:        "Dessert",
		GeneralCategory: "pastry",
		Season:          "all-season",
		Ingredients: []Ingredient{
			{Ingredient: "apples", Format: "Unprocessed", IngredientRole: "base", FlavorRole: "dominant"},
			{Ingredient: "  "},
			{Ingredient: "butter", FlavorIngredient: "butter", Format: "other", FlavorRole: "loud"},
		},
	}
	cleared := dish.Normalize()

	require.Equal(t, "Apple Pie", dish.DishName)
	require.Equal(t, MealTime("dessert"), dish.MealTime)
	require.Empty(t, dish.GeneralCategory)
	require.Equal(t, Season("all-season"), dish.Season)
	require.Len(t, dish.Ingredients, 2)
	require.Equal(t, PhysicalFormat("raw or unprocessed"), dish.Ingredients[0].Format)
	require.Equal(t, "apples", dish.Ingredients[0].FlavorIngredient)
	require.Empty(t, dish.Ingredients[1].Format)
	require.Empty(t, dish.Ingredients[1].FlavorRole)
	require.ElementsMatch(t, []string{
		"general_category", "ingredients[]", "ingredients.format", "ingredients.flavor_role",
	}, cleared)
}

func TestDateMarshal(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(struct {
		D Date `json:"d"`
		Z Date `json:"z"`
	}{D: NewDate(time.Date(2023, 3, 15, 18, 4, 0, 0, time.UTC))})
	require.NoError(t, err)
	require.JSONEq(t, `{"d":"2023-03-15","z":null}`, string(b))
}

func TestDateScan(t *testing.T) {
	t.Parallel()
	var d Date
	require.NoError(t, d.Scan(time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)))
	require.Equal(t, "2024-01-02", d.Format(time.DateOnly))

	require.NoError(t, d.Scan("2021-07-04"))
	require.Equal(t, "2021-07-04", d.Format(time.DateOnly))

	require.NoError(t, d.Scan(nil))
	require.True(t, d.IsZero())
	require.Nil(t, d.Value())

	require.Error(t, d.Scan("July 4th"))
	require.Error(t, d.Scan(42))
}

func ptr(f float64) *float64 { return &f }
