package llm

import (
	"encoding/json"
	"sync"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// SchemaName identifies the structured output format sent to the model.
const SchemaName = "DishModel"

// SystemPrompt instructs the model how to fill DishModel from a recipe page.
const SystemPrompt = `You are a recipe attribute extractor. Extract the following data from the provided recipe content:

IMPORTANT INSTRUCTIONS:
- First, check if the provided content is actually a recipe or cooking instructions. If not, return null for all fields.
- Provide ALL extracted information in English and roman script (no accent or umlauts) only. Translate any non-English content to English.
- For quantities, use ONLY numeric values (e.g., 2, 1.5, 0.25). If you see ranges like "1-3" or "2 to 4", use the first/lower number.
- If a quantity is unclear or not specified, set it to null.

` + dishGuide

// MenuSystemPrompt instructs the model how to fill DishModel from a short
// restaurant menu entry.
const MenuSystemPrompt = `You are a menu attribute extractor. The provided content is a single restaurant menu item: its name, an optional menu category, and the menu description.

IMPORTANT INSTRUCTIONS:
- First, check if the item is actually a food or beverage dish. If not, return null for all fields.
- Provide ALL extracted information in English and roman script (no accent or umlauts) only. Translate any non-English content to English.
- Menu items carry no quantities, units, ratings, or dates. Set quantity, units, star_rating, num_ratings, num_reviews, date_published, and date_updated to null.
- List the ingredients named or clearly implied by the description. Do not invent a full recipe.

` + dishGuide

const dishGuide = `DISH INFORMATION:
1. dish_name: The official or common name of the dish
2. description: Brief description of the dish (max 200 characters)
3. meal_time: Time of day when the dish is typically consumed (breakfast, lunch, dinner, snack, dessert)
4. general_category: Broad classification of the dish (beverage, dessert, sauce/condiment, main dish, snack, bakery, appetizer/side, confectionery)
5. specific_category: More specific categorization within the general category (eg. tiramisu, cake, cocktail, pizza, burger, etc.)
6. cuisine: Culinary tradition or regional cuisine (e.g., Italian, Mexican, Asian, Italian-American, etc.). Do not put diet preferences such as vegan, plant-based, etc.
7. complexity: Preparation difficulty level (easy, intermediate, advanced)
8. serving_temperature: Recommended serving temperature (hot, warm, room, cold, iced, frozen)
9. season: Extract seasonal association only if explicitly mentioned in the recipe text or clearly inferred from context. If not specified, leave blank (spring, summer, fall, winter, all-season)
10. star_rating: Average rating for the dish on a scale of 0-5 (e.g. 3, 4, 4.7, 4.56, etc.)
11. num_ratings: Total number of ratings received
12. num_reviews: Total number of reviews received
13. date_published: The original publication date of the recipe on the website. Use the format yyyy-mm-dd (e.g., 2023-03-15). This should be the date when the recipe was first posted, not any subsequent update dates.
14. date_updated: The most recent date when the recipe content was modified or updated. Use the format yyyy-mm-dd (e.g., 2024-01-20).

INGREDIENTS (for each ingredient):
1. ingredient: Full ingredient name including all descriptors, formats, modifiers, parts, brands, preparation states, preparation methods, cutting methods, and
                dietary preferences (e.g. matcha green tea powder, extra-virgin olive oil, bone-in pork chops, vegan cheddar cheese, freeze dried raspberries, etc.)

2. flavor_ingredient:  Extract the ingredient that provides flavor from each ingredient name. If the ingredient has minimal flavor, extract the base ingredient itself.
                        Always extract something. Examples: "matcha green tea" → matcha, "coconut sugar" → coconut, "coconut oil" → coconut oil, "olive oil" → olive oil,
                        "vanilla extract" → vanilla, "white chocolate chips" → white chocolate, "vegetable shortening" → vegetable, "grated parmesan cheese" → parmesan cheese,
                        "melted mozzarella"  → mozzarella cheese, "vegan almond milk" → almond, "maple syrup" → maple, "tomato paste" → tomato, "black pepper" → black pepper,
                        "steel cut oats" → oats, "water" → water

3. format: Physical processing form that affects the ingredient's flavor, texture, or cooking behavior (e.g., powder, flakes, ground, whole spice, dried, granulated, oil, juice,
            milk, condensed milk, broth, stock, syrup, vinegar, extract, sauce, brine, paste, puree, concentrate, cream, spread, jam_preserve, jelly, butter, frozen, canned, zest,
            peel, seeds, pulp, raw or unprocessed). Choose "raw or unprocessed" for fresh/raw ingredients in their natural state. Use null if the format doesn't fit any available option.

4. prep_method: Single-word or hyphenated adjective explicitly mentioned that enhance the ingredient's flavor (e.g., roasted, smoked, pickled, fermented,
                grilled, cured, aged, marinated, oven-roasted, cold-smoked, dry-aged). Must be exactly one word or hyphenated compound. Exclude all
                cutting/sizing methods such as chopped, minced, diced, sliced, etc.

5. quantity: Amount of the ingredient needed (NUMERIC ONLY - e.g., 2, 1.5, 0.25)
6. units: Unit of measurement for the quantity. Use the singular full form (e.g., count, cup, tablespoon, gram, mililiter, etc.)
7. type: Category or type of ingredient (e.g., protein, vegetable, spice, condiment, etc.)
8. ingredient_role: Role of the ingredient in the dish (base, functional, flavor/aromatic, texture)
9. flavor_role: Flavor contribution of the ingredient (dominant, supportive, accent, background, contrasting)
10. alternative_ingredients: List of possible substitutes using the same naming format (e.g., ["avocado oil", "canola oil"], ["coconut milk", "cream"],
                            ["rose harissa", "green harissa"])


ATTRIBUTES (extract if explicitly mentioned OR clearly inferred from the recipe text):

1. flavor_attributes: Flavor characteristics - extract from descriptive words or ingredient profiles
   Examples: "spicy curry" → ["spicy"]; recipe with jalapeños → ["spicy"]; honey-based dish → ["sweet"]

2. texture_attributes: Textural qualities - extract from cooking methods or ingredient combinations
   Examples: "crispy fried chicken" → ["crispy"]; pasta with cream sauce → ["creamy"]; bread recipe → ["chewy", "soft"]

3. aroma_attributes: Distinctive scents - extract from aromatic ingredients or cooking techniques
   Examples: garlic + herbs → ["fragrant"]; grilled/smoked dishes → ["smoky"]; citrus ingredients → ["fresh"]

4. cooking_techniques: Single-word or hyphenated adjectives describing cooking methods applied to this ingredient that enhance flavor (e.g., grilled, stir-fried,
                        sautéed, fermented, infused, braised, roasted, steamed, etc.). Must be exactly one word or hyphenated compound. Exclude all cutting/sizing
                        methods such as chopped, minced, diced, sliced, etc.

5. diet_preferences: Dietary classifications - infer from ingredient restrictions or explicit labels
   Examples: no meat ingredients → ["vegetarian"]; no gluten-containing ingredients → ["gluten-free"]; explicitly labeled → ["keto", "vegan"]

6. functional_health: Health benefits - infer from ingredient properties or explicit health claims
   Examples: high-protein ingredients → ["high-protein"]; low-sodium preparation → ["low-sodium"]; antioxidant-rich ingredients → ["antioxidant-rich"]

7. occasions: Suitable events - infer from dish complexity, ingredients, or cultural context
   Examples: elaborate cake → ["celebration", "birthday"]; simple breakfast dish → ["breakfast", "everyday"]; holiday spices → ["holiday"]

8. convenience_attributes: Prep/serving factors - infer from cooking method or time requirements
   Examples: single pan used → ["one-pot"]; "prepare ahead" mentioned → ["make-ahead"]; under 30 min → ["quick-prep"]

9. social_setting: Service context - infer from portion size, presentation, or dish type
   Examples: large casserole → ["family-style"]; individual plated portions → ["formal-dining"]; finger food → ["casual", "party"]

10. emotional_attributes: Emotional associations - infer from cultural context or descriptive language
   Examples: "grandma's recipe" → ["nostalgic"]; hearty stew → ["comforting"]; childhood favorite → ["comfort-food"]

Instructions: Only include attributes you can confidently identify. Avoid generic attributes unless clearly supported by evidence.

Return the extracted information in the DishModel format. Set fields to null if not specified in the recipe content.`

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
)

// DishSchema returns the strict JSON schema for crawler.Dish. Every property
// is required and nullable, which is what strict mode expects.
func DishSchema() json.RawMessage {
	schemaOnce.Do(func() {
		raw, err := json.Marshal(dishSchema())
		if err != nil {
			panic("llm: marshal dish schema: " + err.Error())
		}
		schemaJSON = raw
	})
	return schemaJSON
}

type schema map[string]any

func dishSchema() schema {
	return object(
		field{"dish_name", nullable("string")},
		field{"description", nullable("string")},
		field{"meal_time", enum(crawler.MealTimes)},
		field{"general_category", enum(crawler.GeneralCategories)},
		field{"specific_category", nullable("string")},
		field{"cuisine", nullable("string")},
		field{"complexity", enum(crawler.Complexities)},
		field{"serving_temperature", enum(crawler.ServingTemperatures)},
		field{"season", enum(crawler.Seasons)},
		field{"star_rating", nullable("number")},
		field{"num_ratings", nullable("integer")},
		field{"num_reviews", nullable("integer")},
		field{"date_published", nullable("string")},
		field{"date_updated", nullable("string")},
		field{"ingredients", schema{
			"type":  []any{"array", "null"},
			"items": ingredientSchema(),
		}},
		field{"attributes", nullableObject(attributesSchema())},
	)
}

func ingredientSchema() schema {
	return object(
		field{"ingredient", schema{"type": "string"}},
		field{"flavor_ingredient", schema{"type": "string"}},
		field{"format", enum(crawler.PhysicalFormats)},
		field{"prep_method", nullable("string")},
		field{"quantity", nullable("number")},
		field{"units", nullable("string")},
		field{"type", nullable("string")},
		field{"ingredient_role", enum(crawler.IngredientRoles)},
		field{"flavor_role", enum(crawler.FlavorRoles)},
		field{"alternative_ingredients", stringList()},
	)
}

func attributesSchema() schema {
	names := []string{
		"flavor_attributes", "texture_attributes", "aroma_attributes", "cooking_techniques",
		"diet_preferences", "functional_health", "occasions", "convenience_attributes",
		"social_setting", "emotional_attributes",
	}
	fields := make([]field, 0, len(names))
	for _, n := range names {
		fields = append(fields, field{n, stringList()})
	}
	return object(fields...)
}

type field struct {
	name   string
	schema schema
}

func object(fields ...field) schema {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.name] = f.schema
		required = append(required, f.name)
	}
	return schema{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func nullableObject(s schema) schema {
	s["type"] = []any{"object", "null"}
	return s
}

func nullable(kind string) schema {
	return schema{"type": []any{kind, "null"}}
}

func stringList() schema {
	return schema{
		"type":  []any{"array", "null"},
		"items": schema{"type": "string"},
	}
}

func enum(values []string) schema {
	allowed := make([]any, 0, len(values)+1)
	for _, v := range values {
		allowed = append(allowed, v)
	}
	allowed = append(allowed, nil)
	return schema{
		"type": []any{"string", "null"},
		"enum": allowed,
	}
}
