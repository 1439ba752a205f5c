package crawler

import "testing"

func TestHeuristicClassifier(t *testing.T) {
	t.Parallel()
	c := NewHeuristicClassifier("", nil, nil)

	tests := []struct {
		name        string
		url         string
		title       string
		description string
		content     string
		want        bool
	}{
		{name: "recipe in path wins alone", url: "https://x.com/recipes/pie", want: true},
		{name: "path match is case insensitive", url: "https://x.com/RECIPE/pie", want: true},
		{name: "recipe in host does not count", url: "https://recipe.x.com/pie", content: "ingredients only", want: false},
		{name: "recipe in title", url: "https://x.com/p/1", title: "Apple Pie Recipe", want: true},
		{name: "recipe in description", url: "https://x.com/p/1", description: "Our best recipe ever", want: true},
		{name: "ingredients and steps", url: "https://x.com/p/1", content: "Ingredients\n2 apples\nSteps\nBake.", want: true},
		{name: "ingredient and directions", url: "https://x.com/p/1", content: "One ingredient. Directions: stir.", want: true},
		{name: "ingredients without instructions", url: "https://x.com/p/1", content: "Ingredients: flour, sugar", want: false},
		{name: "instructions without ingredients", url: "https://x.com/p/1", content: "Follow the instructions", want: false},
		{name: "nothing", url: "https://x.com/about", title: "About us", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.IsRecipe(tt.url, tt.title, tt.description, tt.content); got != tt.want {
				t.Fatalf("IsRecipe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeuristicClassifierCustomKeywords(t *testing.T) {
	t.Parallel()
	c := NewHeuristicClassifier("Rezept", []string{"Zutaten"}, []string{"Zubereitung"})
	if !c.IsRecipe("https://x.de/rezepte/kuchen", "", "", "") {
		t.Fatalf("expected custom recipe keyword to match path")
	}
	if !c.IsRecipe("https://x.de/k", "", "", "ZUTATEN ... Zubereitung") {
		t.Fatalf("expected custom content keywords to match")
	}
	if c.IsRecipe("https://x.de/recipes/k", "", "", "") {
		t.Fatalf("default keyword should not apply when overridden")
	}
}
