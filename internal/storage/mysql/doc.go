// Package mysql holds the shared MySQL connection pool, the embedded schema
// migrations, and the append-only audit event repository.
package mysql
