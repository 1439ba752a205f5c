// Package crawler holds the domain model of the recipe pipeline: sites, URL
// records, dishes, the URL normalizer and validator, the recipe classifier,
// the tagged error type, and the interfaces implemented by the fetch, store,
// archive, and publish layers.
package crawler
