// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: conditional UPDATE claims, a partial unique index enforcing
// one live entry per task, lease-table leader election, embedded SQL
// migrations.
package postgres
