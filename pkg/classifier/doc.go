// Package classifier buckets prompts into difficulty levels, preferring an
// external classification service and degrading to a keyword heuristic.
package classifier
