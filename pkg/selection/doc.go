/*
Package selection ranks worker nodes for dispatch.

Scoring is a weighted sum over cohort-normalized reputation and throughput
minus penalties for effective load and expected wait. The functions here are
pure: they take an immutable snapshot of candidates and return an ordering,
with no clocks, randomness, or registry access, which keeps every dispatch
decision replayable in tests.
*/
package selection
