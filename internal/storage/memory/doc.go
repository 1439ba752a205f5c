// Package memory provides in-process implementations of the pipeline store
// and the raw page archive for development and tests.
package memory
