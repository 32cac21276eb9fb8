/*
Package policy chooses the publish destination and options for outbound
messages.

An Engine holds an ordered, append-only list of named rules. Match
evaluates predicates in registration order and returns the first matching
config: destination, partitioning hint, event flag, and retry parameters.
Evaluation is a pure function of the context: no side effects, stable
results.
*/
package policy
