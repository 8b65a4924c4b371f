/*
Package reputation keeps the per-node performance score.

Scores start at 100 and move on discrete events: +10 for a completed
subtask, +5 more when it finished fast, -20 for a timeout, -50 for an
invalid response, +1 per online hour, -5 for a broken promise. A weekly
multiplicative decay nudges idle scores down. The score never drops below
the configured floor, so a misbehaving node can always earn its way back.

All mutations go through one mutex, which serialises events per node, and
each mutation is persisted as an append-only event plus a materialized
snapshot.
*/
package reputation
