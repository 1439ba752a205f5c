// Package llm turns cleaned recipe pages into crawler.Dish values using a
// chat completion model with strict structured outputs.
package llm
