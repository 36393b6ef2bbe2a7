// Package database provides PostgreSQL connection pool management for the
// push journal.
package database
