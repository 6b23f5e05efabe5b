// Package policy implements operation admission with Open Policy Agent.
//
// Every policy is a Rego module defining a "deny" set. The engine evaluates
// each enabled policy against every operation the pipeline receives (each
// step of a composite separately) with an input document of the form:
//
//	{
//	  "operation": {"id": "...", "type": "remove", "address": "/cache-container=web/local-cache=users",
//	                "version": "1.3", "payload": {...}},
//	  "target":    {"type": "local-cache", "name": "users", "exists": true, "attributes": {...}},
//	  "parent":    {"type": "cache-container", "name": "web", "exists": true, "attributes": {...}}
//	}
//
// Target and parent attributes come from the committed tree when the engine
// is given a State. Members of the deny set are messages or objects with a
// "message" and an optional "severity". Error and critical violations deny
// the operation; warnings are logged and reported.
//
// # Built-in policies
//
//   - protect-default-cache: a container's default cache cannot be removed
//   - owners-within-segments: a distributed cache cannot have more owners than segments
//   - unbounded-eviction: warns on caches without an entry limit
//   - remote-servers-format: remote store servers must be host:port
//
// # Custom policies
//
// Policies are read from .rego files, named after the file, or from .json
// policy definitions. A Rego file sets its severity with a comment:
//
//	# Freezes the legacy containers.
//	# severity: error
//	package cachemgmt.custom.freeze
//
//	import rego.v1
//
//	deny contains msg if {
//		startswith(input.operation.address, "/cache-container=legacy")
//		msg := "legacy containers are frozen"
//	}
//
// Engine.Watch reloads the policy directory when files change.
package policy
