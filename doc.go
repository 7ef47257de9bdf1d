// Package quasar is a tabular data handle server. Clients load tables
// once, hold opaque handles to them, and apply operations against the
// handles; row data only crosses the wire when explicitly materialized.
//
// # Architecture
//
// Quasar is organized around three subsystems:
//
// 1. Handle management (internal/handle): every table is registered under
// a UUID handle with a TTL refreshed by access or heartbeat. Expiry is
// enforced by a background sweep and re-checked on every read. Handles
// can alternatively live as durable artifacts in a shared state
// directory, surviving restarts.
//
// 2. Tiered storage (internal/storage): an in-memory LRU cache with a
// byte budget fronts a compressed artifact store (Arrow IPC + zstd, one
// file per key, atomically published). Loads fall through cache to
// artifacts and warm the cache on the way back; writes are visible
// immediately and persisted asynchronously. SQL queries are delegated to
// an optional external analytical engine.
//
// 3. Operation dispatch (internal/dispatch): a closed set of table
// operations (projection, head, equality filter, schema inspection)
// evaluated by internal/engine, plus handle lifecycle and storage
// operations, exposed over HTTP by internal/server.
//
// # Quick Start
//
// Start the server and create a table from a Parquet file:
//
//	quasar serve
//
//	curl -X POST localhost:9000/tables \
//	    -H 'Content-Type: application/json' \
//	    -d '{"parquet_path": "/data/trades.parquet"}'
//
// Operate on the returned handle and read the result:
//
//	curl -X POST localhost:9000/tables/<handle>/invoke \
//	    -H 'Content-Type: application/json' \
//	    -d '{"kind": "filter_equal", "column": "symbol", "value": "BTC_USD"}'
//
//	curl 'localhost:9000/exec?handle=<handle>&limit=100'
//
// # Configuration
//
// Configuration comes from a YAML file, the environment (QUASAR_ prefix
// optional), or both; see pkg/config. The main knobs are HANDLE_STORE
// (memory or external), STATE_DIR, CACHE_SIZE_GB and BIND_ADDRESS.
package quasar
