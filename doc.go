// Package propdb converts property databases into indexed SQLite stores.
//
// A property database is a sparse entity-attribute-value graph shipped as
// five compressed JSON arrays: external ids, per-entity offsets, a flat
// array of (attribute, value) pairs, attribute definitions and values.
// propdb decodes the arrays page by page, bulk loads them into a normalized
// schema and adds a "properties" view and indices so the result can be
// queried with plain SQL.
//
// # Architecture
//
// The conversion is a straight pipeline:
//
//	source -> decoder -> loader -> store -> query
//
//   - pkg/source retrieves the five inputs from a directory, S3, MinIO,
//     Google Cloud Storage or HTTP.
//   - pkg/decoder turns them into restartable sequences, either fully
//     materialized or streamed one element at a time.
//   - pkg/loader writes entities, attributes, values and associations in
//     multi-row batches bounded by SQLite's parameter limit.
//   - pkg/store owns the schema, durability settings and the version stamp
//     that marks a store as finished.
//   - pkg/query answers read-only SQL against finished stores.
//
// internal/pipeline ties the steps together and publishes a store only once
// it is complete. internal/jobs and internal/server run conversions by key
// behind an HTTP API.
//
// # Quick Start
//
//	propdb convert ./model ./model.sqlite
//	propdb query ./model.sqlite
//	propdb query ./model.sqlite "SELECT name, count(*) FROM properties GROUP BY name"
//
// Remote inputs are addressed by URL:
//
//	propdb convert s3://bucket/models/42 ./42.sqlite --strategy stream
//
// # Configuration
//
// Settings come from defaults, an optional YAML file (--config), PROPDB_*
// environment variables and command line flags, in increasing precedence.
// ${VAR_NAME} references in the file are substituted from the environment.
//
//	decode:
//	  strategy: auto
//	  memory_fraction: 0.5
//	load:
//	  page_size: 1000
//	  durability: fast
//	server:
//	  cache_dir: /var/cache/propdb
//	  retention: 168h
//	  auth_token: ${PROPDB_API_TOKEN}
//	  allowed_schemes: [s3, https]
//
// # Development
//
//	go test ./...
//	propdb convert ./model ./model.sqlite --profile-dir ./profiles
package propdb
