// Package planner renders storage statements into parameterized SQL for a dialect.
// Selects, inserts and updates each target one table; batching across rows is
// expressed through IN predicates rather than joins.
package planner
