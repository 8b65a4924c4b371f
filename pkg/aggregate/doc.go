// Package aggregate combines per-subtask results into one response per
// division mode: ordered concatenation for subtasks, modal voting for
// consensus replicas, and overlap-trimmed stitching for context windows.
package aggregate
