package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sources stored on every dish row, naming where the dish was extracted from.
const (
	SourceRecipe = "recipe"
	SourceMenu   = "menu"
)

// MealTime is the time of day a dish is typically eaten.
type MealTime string

// GeneralCategory is a broad dish classification.
type GeneralCategory string

// Complexity is the preparation difficulty.
type Complexity string

// ServingTemperature is the recommended serving temperature.
type ServingTemperature string

// Season is an explicitly mentioned seasonal association.
type Season string

// IngredientRole is the structural role of an ingredient.
type IngredientRole string

// FlavorRole is the flavor contribution of an ingredient.
type FlavorRole string

// PhysicalFormat is the processing form of an ingredient.
type PhysicalFormat string

// Allowed enum values, in the order presented to the model.
var (
	MealTimes           = []string{"breakfast", "lunch", "dinner", "snack", "dessert"}
	GeneralCategories   = []string{"beverage", "dessert", "sauce/condiment", "main dish", "snack", "bakery", "appetizer/side", "confectionery"}
	Complexities        = []string{"easy", "intermediate", "advanced"}
	ServingTemperatures = []string{"hot", "warm", "room", "cold", "iced", "frozen"}
	Seasons             = []string{"spring", "summer", "fall", "winter", "all-season"}
	IngredientRoles     = []string{"base", "functional", "flavor/aromatic", "texture"}
	FlavorRoles         = []string{"dominant", "supportive", "accent", "background", "contrasting"}
	PhysicalFormats     = []string{
		"powder", "flakes", "ground", "whole spice", "dried", "granulated", "oil", "juice",
		"milk", "condensed milk", "broth", "stock", "syrup", "vinegar", "extract", "sauce",
		"brine", "paste", "puree", "concentrate", "cream", "spread", "jam_preserve", "jelly",
		"butter", "frozen", "canned", "zest", "peel", "seeds", "pulp", "raw or unprocessed",
	}
)

// formatAliases maps loose model output onto PhysicalFormats.
var formatAliases = map[string]string{
	"unprocessed": "raw or unprocessed",
	"raw":         "raw or unprocessed",
	"fresh":       "raw or unprocessed",
	"whole":       "whole spice",
}

// Date is a calendar day encoded as yyyy-mm-dd. The zero value encodes as null.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// UnmarshalJSON accepts yyyy-mm-dd and RFC 3339 timestamps. Anything else
// leaves the date unset instead of failing the whole dish.
func (d *Date) UnmarshalJSON(b []byte) error {
	d.Time = time.Time{}
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		d.Time = t
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		*d = NewDate(t)
		return nil
	}
	if len(raw) >= 10 {
		if t, err := time.Parse(time.DateOnly, raw[:10]); err == nil {
			d.Time = t
		}
	}
	return nil
}

// MarshalJSON renders the date as yyyy-mm-dd or null.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(time.DateOnly))
}

// Value returns the date for a SQL argument, or nil when unset.
func (d Date) Value() any {
	if d.IsZero() {
		return nil
	}
	return d.Time
}

// Scan implements sql.Scanner for DATE columns.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.Time = time.Time{}
	case time.Time:
		*d = NewDate(v)
	case string:
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return fmt.Errorf("scan date %q: %w", v, err)
		}
		d.Time = t
	default:
		return fmt.Errorf("scan date: unsupported type %T", src)
	}
	return nil
}

// Dish is the structured extraction target, keyed by the URL record id.
type Dish struct {
	DishName           string             `json:"dish_name"`
	Description        string             `json:"description"`
	MealTime           MealTime           `json:"meal_time"`
	GeneralCategory    GeneralCategory    `json:"general_category"`
	SpecificCategory   string             `json:"specific_category"`
	Cuisine            string             `json:"cuisine"`
	Complexity         Complexity         `json:"complexity"`
	ServingTemperature ServingTemperature `json:"serving_temperature"`
	Season             Season             `json:"season"`
	StarRating         *float64           `json:"star_rating"`
	NumRatings         *int64             `json:"num_ratings"`
	NumReviews         *int64             `json:"num_reviews"`
	DatePublished      Date               `json:"date_published"`
	DateUpdated        Date               `json:"date_updated"`
	Ingredients        []Ingredient       `json:"ingredients"`
	Attributes         *Attributes        `json:"attributes"`
}

// Ingredient is one child row of a dish.
type Ingredient struct {
	Ingredient             string         `json:"ingredient"`
	FlavorIngredient       string         `json:"flavor_ingredient"`
	Format                 PhysicalFormat `json:"format"`
	PrepMethod             string         `json:"prep_method"`
	Quantity               *float64       `json:"quantity"`
	Units                  string         `json:"units"`
	Type                   string         `json:"type"`
	IngredientRole         IngredientRole `json:"ingredient_role"`
	FlavorRole             FlavorRole     `json:"flavor_role"`
	AlternativeIngredients []string       `json:"alternative_ingredients"`
}

// UnmarshalJSON decodes an ingredient, accepting free-form quantities such as
// "1-3", "2 to 4", or "about 2 cups".
func (i *Ingredient) UnmarshalJSON(b []byte) error {
	type plain Ingredient
	var aux struct {
		plain
		Quantity json.RawMessage `json:"quantity"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*i = Ingredient(aux.plain)
	i.Quantity = ParseQuantityJSON(aux.Quantity)
	return nil
}

// Attributes holds the ten descriptive tag lists of a dish.
type Attributes struct {
	FlavorAttributes      []string `json:"flavor_attributes"`
	TextureAttributes     []string `json:"texture_attributes"`
	AromaAttributes       []string `json:"aroma_attributes"`
	CookingTechniques     []string `json:"cooking_techniques"`
	DietPreferences       []string `json:"diet_preferences"`
	FunctionalHealth      []string `json:"functional_health"`
	Occasions             []string `json:"occasions"`
	ConvenienceAttributes []string `json:"convenience_attributes"`
	SocialSetting         []string `json:"social_setting"`
	EmotionalAttributes   []string `json:"emotional_attributes"`
}

// Empty reports whether every list is empty.
func (a *Attributes) Empty() bool {
	if a == nil {
		return true
	}
	for _, list := range [][]string{
		a.FlavorAttributes, a.TextureAttributes, a.AromaAttributes, a.CookingTechniques,
		a.DietPreferences, a.FunctionalHealth, a.Occasions, a.ConvenienceAttributes,
		a.SocialSetting, a.EmotionalAttributes,
	} {
		if len(list) > 0 {
			return false
		}
	}
	return true
}

// Normalize trims strings and clears enum values the schema does not allow.
// It reports the names of fields that were cleared.
func (d *Dish) Normalize() []string {
	var cleared []string
	d.DishName = strings.TrimSpace(d.DishName)
	d.Description = strings.TrimSpace(d.Description)
	d.SpecificCategory = strings.TrimSpace(d.SpecificCategory)
	d.Cuisine = strings.TrimSpace(d.Cuisine)

	enum := func(field string, v *string, allowed []string) {
		if !normalizeEnum(v, allowed, nil) {
			cleared = append(cleared, field)
		}
	}
	enum("meal_time", (*string)(&d.MealTime), MealTimes)
	enum("general_category", (*string)(&d.GeneralCategory), GeneralCategories)
	enum("complexity", (*string)(&d.Complexity), Complexities)
	enum("serving_temperature", (*string)(&d.ServingTemperature), ServingTemperatures)
	enum("season", (*string)(&d.Season), Seasons)

	kept := d.Ingredients[:0]
	for _, ing := range d.Ingredients {
		ing.Ingredient = strings.TrimSpace(ing.Ingredient)
		ing.FlavorIngredient = strings.TrimSpace(ing.FlavorIngredient)
		if ing.Ingredient == "" && ing.FlavorIngredient == "" {
			cleared = append(cleared, "ingredients[]")
			continue
		}
		if ing.FlavorIngredient == "" {
			ing.FlavorIngredient = ing.Ingredient
		}
		if !normalizeEnum((*string)(&ing.Format), PhysicalFormats, formatAliases) {
			cleared = append(cleared, "ingredients.format")
		}
		if !normalizeEnum((*string)(&ing.IngredientRole), IngredientRoles, nil) {
			cleared = append(cleared, "ingredients.ingredient_role")
		}
		if !normalizeEnum((*string)(&ing.FlavorRole), FlavorRoles, nil) {
			cleared = append(cleared, "ingredients.flavor_role")
		}
		kept = append(kept, ing)
	}
	d.Ingredients = kept
	return cleared
}

// normalizeEnum lower-cases v and clears it when it is not in allowed. It
// returns false when a non-empty value was cleared.
func normalizeEnum(v *string, allowed []string, aliases map[string]string) bool {
	value := strings.ToLower(strings.TrimSpace(*v))
	if value == "" {
		*v = ""
		return true
	}
	if alias, ok := aliases[value]; ok {
		value = alias
	}
	for _, candidate := range allowed {
		if candidate == value {
			*v = value
			return true
		}
	}
	*v = ""
	return false
}
