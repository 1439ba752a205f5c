package llm

import (
	"strings"
	"unicode/utf8"
)

// DefaultContentBudget is the rune budget applied to model input.
const DefaultContentBudget = 8000

// TruncationMarker is appended to content cut by Truncate.
const TruncationMarker = "\n[Content truncated for processing]"

// BuildContent formats a page for the user message.
func BuildContent(title, description, text string) string {
	var b strings.Builder
	b.Grow(len(title) + len(description) + len(text) + 32)
	b.WriteString("Title: ")
	b.WriteString(title)
	b.WriteString("\nDescription: ")
	b.WriteString(description)
	b.WriteString("\nContent:\n")
	b.WriteString(text)
	return b.String()
}

// BuildMenuContent formats a menu item as "Name (Category): Description",
// dropping the parts that are empty.
func BuildMenuContent(name, category, description string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Unknown Dish"
	}
	var b strings.Builder
	b.WriteString(name)
	if category = strings.TrimSpace(category); category != "" {
		b.WriteString(" (")
		b.WriteString(category)
		b.WriteString(")")
	}
	if description = strings.TrimSpace(description); description != "" {
		b.WriteString(": ")
		b.WriteString(description)
	}
	return b.String()
}

// Truncate limits content to budget runes. When the last newline of the kept
// prefix sits past 80% of the budget the cut moves back to it. A budget of
// zero or less selects DefaultContentBudget.
func Truncate(content string, budget int) string {
	if budget <= 0 {
		budget = DefaultContentBudget
	}
	if utf8.RuneCountInString(content) <= budget {
		return content
	}
	runes := []rune(content)[:budget]
	if last := lastNewline(runes); last > int(float64(budget)*0.8) {
		runes = runes[:last]
	}
	return string(runes) + TruncationMarker
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
