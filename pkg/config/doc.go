// Package config loads and validates the Decisio configuration file.
//
// Configuration is YAML, loaded once at process start and treated as
// immutable for the lifetime of the process; changing it requires a restart.
// Every field has a sane default so a minimal file (or none at all, in
// development) is enough to boot the daemon with the in-memory store and
// stub collaborators.
//
// # Example
//
//	server:
//	  listen: ":8080"
//	  enforce_tenant_header: true
//	storage:
//	  driver: sqlite
//	  path: /var/lib/decisio/decisio.db
//	ledger:
//	  key_version: 2
//	  master_keys:
//	    1: "6f6c646b65796f6c646b65796f6c646b"
//	    2: "6e65776b65796e65776b65776e65776b"
//	scheduler:
//	  per_tenant_cap: 4
//	  global_workers: 32
//	collaborators:
//	  mode: remote
//	  base_url: https://collab.internal:8443
//
// Secrets (ledger master keys, collaborator auth tokens, the admin token)
// may also be supplied through environment variables, which take precedence
// over file values so the file can be checked in without them.
package config
