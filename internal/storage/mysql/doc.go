// Package mysql persists authorization attempts. It ships a local JSONL
// repository for single-node use and a MySQL repository with embedded schema
// migrations.
package mysql
