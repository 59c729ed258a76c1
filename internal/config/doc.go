// Package config loads the muse configuration file.
//
// # Format
//
// Files are YAML by default; a .toml extension selects TOML. Both carry the
// same sections:
//
//	service:
//	  base_url: "http://localhost:8000"
//	  mode: "stream"        # stream | batch
//	  timeout: "60s"
//	  token: "${MUSE_TOKEN}"
//	session:
//	  backend: "memory"     # memory | sqlite
//	  path: "~/.local/share/muse/session.db"
//	  key: "muse.chats"
//	defaults:
//	  tone: "professional"
//	  model: ""
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Processing
//
// Load expands ${VAR} references from the environment before parsing,
// parses duration strings, fills defaults for anything left empty, and
// validates the result. LoadOrDefault treats a missing file as an empty one.
package config
