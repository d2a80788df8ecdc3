// Package postgres provides a PostgreSQL store backend built on pgx/v5.
// It backs both the job and distribution subsystems with one schema,
// using conditional UPDATE ... RETURNING statements for the atomic
// claim and swap transitions.
package postgres
