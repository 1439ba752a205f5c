package crawler

import (
	"net/url"
	"strings"
)

// Default keyword sets used by the recipe classifier.
var (
	DefaultRecipeKeyword      = "recipe"
	DefaultIngredientKeywords = []string{"ingredient"}
	DefaultInstructionTerms   = []string{"instruction", "direction", "step"}
)

// HeuristicClassifier decides whether fetched content is a recipe using
// cheap string signals. It is a pre-filter: false negatives are accepted and
// false positives are dropped later when the model finds no recipe.
type HeuristicClassifier struct {
	recipeKeyword string
	ingredients   []string
	instructions  []string
}

// NewHeuristicClassifier lower-cases the keyword sets once. Empty arguments
// fall back to the defaults. Singular terms also match their plurals.
func NewHeuristicClassifier(recipeKeyword string, ingredients, instructions []string) *HeuristicClassifier {
	if strings.TrimSpace(recipeKeyword) == "" {
		recipeKeyword = DefaultRecipeKeyword
	}
	if len(ingredients) == 0 {
		ingredients = DefaultIngredientKeywords
	}
	if len(instructions) == 0 {
		instructions = DefaultInstructionTerms
	}
	return &HeuristicClassifier{
		recipeKeyword: strings.ToLower(strings.TrimSpace(recipeKeyword)),
		ingredients:   lowerKeywords(ingredients),
		instructions:  lowerKeywords(instructions),
	}
}

// IsRecipe applies the URL, metadata, and content rules in order.
func (c *HeuristicClassifier) IsRecipe(rawURL, title, description, content string) bool {
	if c == nil {
		c = NewHeuristicClassifier("", nil, nil)
	}
	switch {
	case c.pathMentionsRecipe(rawURL):
		return true
	case containsLower(title, c.recipeKeyword), containsLower(description, c.recipeKeyword):
		return true
	default:
		return c.contentLooksLikeRecipe(content)
	}
}

func (c *HeuristicClassifier) pathMentionsRecipe(rawURL string) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	return containsLower(path, c.recipeKeyword)
}

func (c *HeuristicClassifier) contentLooksLikeRecipe(content string) bool {
	if content == "" {
		return false
	}
	lower := strings.ToLower(content)
	return containsAny(lower, c.ingredients) && containsAny(lower, c.instructions)
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func containsLower(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), needle)
}

func lowerKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
