package postgres

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Column maps one Go struct field, named by its json tag, to a table column.
type Column[T any] struct {
	Field string
	Name  string

	expr   string
	value  func(*T) any
	target func(*T) any
}

// Mapping is the named field-to-column table used to read and write one
// table. Key is the column holding the parent dish id. Nested lists struct
// fields persisted in other tables.
type Mapping[T any] struct {
	Table   string
	Key     string
	Nested  []string
	Columns []Column[T]
}

// DishColumns maps crawler.Dish onto the dishes table.
var DishColumns = Mapping[crawler.Dish]{
	Table:  "dishes",
	Key:    "dish_id",
	Nested: []string{"ingredients", "attributes"},
	Columns: []Column[crawler.Dish]{
		text("dish_name", "dish_name", func(d *crawler.Dish) *string { return &d.DishName }),
		text("description", "description", func(d *crawler.Dish) *string { return &d.Description }),
		text("meal_time", "meal_time", func(d *crawler.Dish) *string { return (*string)(&d.MealTime) }),
		text("general_category", "general_category", func(d *crawler.Dish) *string { return (*string)(&d.GeneralCategory) }),
		text("specific_category", "specific_category", func(d *crawler.Dish) *string { return &d.SpecificCategory }),
		text("cuisine", "cuisine", func(d *crawler.Dish) *string { return &d.Cuisine }),
		text("complexity", "complexity", func(d *crawler.Dish) *string { return (*string)(&d.Complexity) }),
		text("serving_temperature", "serving_temperature", func(d *crawler.Dish) *string { return (*string)(&d.ServingTemperature) }),
		text("season", "season", func(d *crawler.Dish) *string { return (*string)(&d.Season) }),
		nullable("star_rating", "star_rating", func(d *crawler.Dish) **float64 { return &d.StarRating }),
		nullable("num_ratings", "num_ratings", func(d *crawler.Dish) **int64 { return &d.NumRatings }),
		nullable("num_reviews", "num_reviews", func(d *crawler.Dish) **int64 { return &d.NumReviews }),
		date("date_published", "date_published", func(d *crawler.Dish) *crawler.Date { return &d.DatePublished }),
		date("date_updated", "date_updated", func(d *crawler.Dish) *crawler.Date { return &d.DateUpdated }),
	},
}

// IngredientColumns maps crawler.Ingredient onto the ingredients table.
var IngredientColumns = Mapping[crawler.Ingredient]{
	Table: "ingredients",
	Key:   "dish_id",
	Columns: []Column[crawler.Ingredient]{
		text("ingredient", "ingredient", func(i *crawler.Ingredient) *string { return &i.Ingredient }),
		text("flavor_ingredient", "flavor_ingredient", func(i *crawler.Ingredient) *string { return &i.FlavorIngredient }),
		text("format", "format", func(i *crawler.Ingredient) *string { return (*string)(&i.Format) }),
		text("prep_method", "prep_method", func(i *crawler.Ingredient) *string { return &i.PrepMethod }),
		nullable("quantity", "quantity", func(i *crawler.Ingredient) **float64 { return &i.Quantity }),
		text("units", "units", func(i *crawler.Ingredient) *string { return &i.Units }),
		text("type", "ingredient_type", func(i *crawler.Ingredient) *string { return &i.Type }),
		text("ingredient_role", "ingredient_role", func(i *crawler.Ingredient) *string { return (*string)(&i.IngredientRole) }),
		text("flavor_role", "flavor_role", func(i *crawler.Ingredient) *string { return (*string)(&i.FlavorRole) }),
		list("alternative_ingredients", "alternative_ingredients", func(i *crawler.Ingredient) *[]string { return &i.AlternativeIngredients }),
	},
}

// AttributeColumns maps crawler.Attributes onto the dish_attributes table.
var AttributeColumns = Mapping[crawler.Attributes]{
	Table: "dish_attributes",
	Key:   "dish_id",
	Columns: []Column[crawler.Attributes]{
		list("flavor_attributes", "flavor", func(a *crawler.Attributes) *[]string { return &a.FlavorAttributes }),
		list("texture_attributes", "texture", func(a *crawler.Attributes) *[]string { return &a.TextureAttributes }),
		list("aroma_attributes", "aroma", func(a *crawler.Attributes) *[]string { return &a.AromaAttributes }),
		list("cooking_techniques", "cooking_techniques", func(a *crawler.Attributes) *[]string { return &a.CookingTechniques }),
		list("diet_preferences", "diet_preferences", func(a *crawler.Attributes) *[]string { return &a.DietPreferences }),
		list("functional_health", "functional_health", func(a *crawler.Attributes) *[]string { return &a.FunctionalHealth }),
		list("occasions", "occasions", func(a *crawler.Attributes) *[]string { return &a.Occasions }),
		list("convenience_attributes", "convenience", func(a *crawler.Attributes) *[]string { return &a.ConvenienceAttributes }),
		list("social_setting", "social_setting", func(a *crawler.Attributes) *[]string { return &a.SocialSetting }),
		list("emotional_attributes", "emotional", func(a *crawler.Attributes) *[]string { return &a.EmotionalAttributes }),
	},
}

// text maps a string field stored as NULL when empty.
func text[T any](field, name string, get func(*T) *string) Column[T] {
	return Column[T]{
		Field: field,
		Name:  name,
		expr:  fmt.Sprintf("COALESCE(%s, '')", name),
		value: func(t *T) any {
			if v := *get(t); v != "" {
				return v
			}
			return nil
		},
		target: func(t *T) any { return get(t) },
	}
}

// nullable maps a pointer field; a nil pointer is NULL.
func nullable[T, V any](field, name string, get func(*T) **V) Column[T] {
	return Column[T]{
		Field:  field,
		Name:   name,
		expr:   name,
		value:  func(t *T) any { return *get(t) },
		target: func(t *T) any { return get(t) },
	}
}

func date[T any](field, name string, get func(*T) *crawler.Date) Column[T] {
	return Column[T]{
		Field:  field,
		Name:   name,
		expr:   name,
		value:  func(t *T) any { return get(t).Value() },
		target: func(t *T) any { return get(t) },
	}
}

func list[T any](field, name string, get func(*T) *[]string) Column[T] {
	return Column[T]{
		Field:  field,
		Name:   name,
		expr:   name,
		value:  func(t *T) any { return *get(t) },
		target: func(t *T) any { return get(t) },
	}
}

// Names returns the mapped column names in order.
func (m Mapping[T]) Names() []string {
	out := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		out[i] = c.Name
	}
	return out
}

func (m Mapping[T]) selectList() string {
	exprs := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		exprs[i] = c.expr
	}
	return strings.Join(exprs, ", ")
}

func (m Mapping[T]) values(t *T) []any {
	out := make([]any, len(m.Columns))
	for i, c := range m.Columns {
		out[i] = c.value(t)
	}
	return out
}

func (m Mapping[T]) targets(t *T) []any {
	out := make([]any, len(m.Columns))
	for i, c := range m.Columns {
		out[i] = c.target(t)
	}
	return out
}

// upsertSQL builds an insert keyed on Key that replaces every mapped column.
// Extra columns are bound right after the key.
func (m Mapping[T]) upsertSQL(extra ...string) string {
	cols := append(append([]string{m.Key}, extra...), m.Names()...)
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		m.Table, strings.Join(cols, ", "), placeholders(1, len(cols)), m.Key, strings.Join(updates, ", "))
}

// inTable returns the same mapping pointed at another table.
func (m Mapping[T]) inTable(name string) Mapping[T] {
	m.Table = name
	return m
}

func (m Mapping[T]) tableName() string { return m.Table }

func (m Mapping[T]) columnNames() []string { return append([]string{m.Key}, m.Names()...) }

// CheckFields verifies the mapping against the json tags of T: every field
// is mapped or nested exactly once and every mapped field exists.
func (m Mapping[T]) CheckFields() error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	fields := make(map[string]bool, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		tag, _, _ := strings.Cut(typ.Field(i).Tag.Get("json"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		fields[tag] = false
	}
	columns := make(map[string]struct{}, len(m.Columns))
	claim := func(field string) error {
		used, ok := fields[field]
		if !ok {
			return fmt.Errorf("%s: %s has no field %q", m.Table, typ.Name(), field)
		}
		if used {
			return fmt.Errorf("%s: field %q mapped twice", m.Table, field)
		}
		fields[field] = true
		return nil
	}
	for _, c := range m.Columns {
		if err := claim(c.Field); err != nil {
			return err
		}
		if _, dup := columns[c.Name]; dup {
			return fmt.Errorf("%s: column %q mapped twice", m.Table, c.Name)
		}
		columns[c.Name] = struct{}{}
	}
	for _, n := range m.Nested {
		if err := claim(n); err != nil {
			return err
		}
	}
	for field, used := range fields {
		if !used {
			return fmt.Errorf("%s: field %q of %s is not mapped", m.Table, field, typ.Name())
		}
	}
	return nil
}

// table is the schema-facing view of a Mapping.
type table interface {
	tableName() string
	columnNames() []string
	CheckFields() error
}

// dishTables is the set of tables one dish source is written to.
type dishTables struct {
	dishes      Mapping[crawler.Dish]
	ingredients Mapping[crawler.Ingredient]
	attributes  Mapping[crawler.Attributes]
}

var (
	recipeTables = dishTables{DishColumns, IngredientColumns, AttributeColumns}
	menuTables   = dishTables{
		DishColumns.inTable("menu_dishes"),
		IngredientColumns.inTable("menu_ingredients"),
		AttributeColumns.inTable("menu_dish_attributes"),
	}
)

func (d dishTables) tables() []table {
	return []table{d.dishes, d.ingredients, d.attributes}
}

// mappedTables lists the recipe tables declared column by column in the
// schema. The menu tables copy their layout.
func mappedTables() []table {
	return recipeTables.tables()
}

// CheckMappings validates every mapping against its Go struct.
func CheckMappings() error {
	for _, t := range mappedTables() {
		if err := t.CheckFields(); err != nil {
			return fmt.Errorf("field mapping: %w", err)
		}
	}
	return nil
}

// placeholders renders n positional parameters starting at $from.
func placeholders(from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", from+i)
	}
	return b.String()
}
