// Package config resolves the process configuration for smyte-db.
//
// Values come from Default(), then an optional YAML/JSON/TOML file, then
// SMYTE_* environment variables (a local .env file is honored). Nested keys
// map to env names with underscores:
//
//	SMYTE_STORAGE_DB_PATH=/var/lib/smyte-db
//	SMYTE_STORAGE_CF_GROUP_CONFIGS='[{"name":"counters","localVirtualShardCount":4,"shardIndexIncrement":1}]'
//	SMYTE_SERVER_PORT=9049
//
// The declarative storage and streaming specs stay JSON strings; the
// packages that own them parse and validate them.
package config
