/*
Package types defines the shared domain model for the Iris coordinator.

It contains the node, task, subtask, stream and reputation types exchanged
between components, plus the pure derivation functions (tier classification,
difficulty-to-tier eligibility) that must behave identically wherever they are
evaluated. The package has no dependencies on other Iris packages so that any
component can import it without cycles.

Ownership of the mutable counterparts of these types is strict: the registry
owns Node entries, the orchestrator owns Tasks and Subtasks, the multiplexer
owns stream queues, and the reputation engine owns the score store. Everything
in this package is either immutable data or a snapshot view.
*/
package types
