/*
Package orchestrator drives a task from submission to a terminal status.

	 submit ──► classify ──► divide ──► select + dispatch
	                                         │
	      ┌──────────────────────────────────┘
	      ▼
	 collect (stream / result / error / node lost)
	      │
	      ├── retry: attempts left ⇒ reassign, excluding nodes
	      │          that already tried
	      ▼
	 aggregate ──► COMPLETED / PARTIAL / FAILED / TIMED_OUT

Division depends on the request mode: SUBTASKS splits the prompt into
independent work items, CONSENSUS fans the same prompt out to several
replicas and takes a similarity vote, CONTEXT slices an oversized prompt
into overlapping windows that are stitched back together, and DIRECT hands
the whole request to the external document processor.

The orchestrator is the registry's TaskSink. Worker reports are validated
against the subtask's current (node, attempt) pair, so anything from a
superseded attempt is dropped on the floor. Timeouts come in two layers:
each dispatch attempt gets a slice of the difficulty budget and a hung
worker is swapped for a standby when one exists, while the task-level
deadline is the terminal backstop — when it fires, whatever is still
running times out and the outcome policy decides between PARTIAL and
TIMED_OUT.
*/
package orchestrator
