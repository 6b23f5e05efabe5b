package policy

// BuiltinPolicies returns the admission policies shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		defaultCachePolicy(),
		ownersPolicy(),
		unboundedEvictionPolicy(),
		remoteServersPolicy(),
	}
}

// defaultCachePolicy refuses to remove the cache a container names as its
// default cache.
func defaultCachePolicy() Policy {
	return Policy{
		Name:        "protect-default-cache",
		Description: "Denies removing the cache configured as its container's default cache",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cachemgmt.admission.default_cache

import rego.v1

deny contains violation if {
	input.operation.type == "remove"
	endswith(input.target.type, "-cache")
	input.parent.attributes["default-cache"] == input.target.name
	violation := {
		"message": sprintf("%s is the default cache of container %s", [input.target.name, input.parent.name]),
	}
}
`,
	}
}

// ownersPolicy refuses distributed caches with more owners than segments.
func ownersPolicy() Policy {
	return Policy{
		Name:        "owners-within-segments",
		Description: "Denies distributed caches whose owner count exceeds their segment count",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cachemgmt.admission.owners

import rego.v1

default_owners := 2

default_segments := 80

deny contains violation if {
	input.operation.type == "add"
	input.target.type == "distributed-cache"
	owners := object.get(input.operation.payload, "owners", default_owners)
	segments := object.get(input.operation.payload, "segments", default_segments)
	is_number(owners)
	is_number(segments)
	owners > segments
	violation := {
		"message": sprintf("%s: %v owners exceed %v segments", [input.operation.address, owners, segments]),
	}
}

deny contains violation if {
	input.operation.type == "write-attribute"
	input.target.type == "distributed-cache"
	input.operation.payload.name == "owners"
	owners := input.operation.payload.value
	segments := object.get(input.target.attributes, "segments", default_segments)
	is_number(owners)
	is_number(segments)
	owners > segments
	violation := {
		"message": sprintf("%s: %v owners exceed %v segments", [input.operation.address, owners, segments]),
	}
}

deny contains violation if {
	input.operation.type == "write-attribute"
	input.target.type == "distributed-cache"
	input.operation.payload.name == "segments"
	segments := input.operation.payload.value
	owners := object.get(input.target.attributes, "owners", default_owners)
	is_number(owners)
	is_number(segments)
	owners > segments
	violation := {
		"message": sprintf("%s: %v segments are fewer than %v owners", [input.operation.address, segments, owners]),
	}
}
`,
	}
}

// unboundedEvictionPolicy warns when a cache is configured without an entry
// limit.
func unboundedEvictionPolicy() Policy {
	return Policy{
		Name:        "unbounded-eviction",
		Description: "Warns when a cache has no maximum entry count",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cachemgmt.admission.eviction

import rego.v1

unbounded(v) if v == -1

deny contains violation if {
	input.operation.type == "add"
	unbounded(input.operation.payload["eviction-max-entries"])
	violation := sprintf("%s holds an unbounded number of entries", [input.operation.address])
}

deny contains violation if {
	input.operation.type == "write-attribute"
	input.operation.payload.name == "eviction-max-entries"
	unbounded(input.operation.payload.value)
	violation := sprintf("%s holds an unbounded number of entries", [input.operation.address])
}
`,
	}
}

// remoteServersPolicy requires remote store servers to be host:port pairs.
func remoteServersPolicy() Policy {
	return Policy{
		Name:        "remote-servers-format",
		Description: "Denies remote stores whose servers are not host:port pairs",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cachemgmt.admission.remote_servers

import rego.v1

servers := input.operation.payload["remote-servers"] if {
	input.operation.type == "add"
	input.target.type == "remote-store"
}

servers := input.operation.payload.value if {
	input.operation.type == "write-attribute"
	input.target.type == "remote-store"
	input.operation.payload.name == "remote-servers"
}

deny contains violation if {
	some server in servers
	is_string(server)
	not regex.match("^[A-Za-z0-9.-]+:[0-9]{1,5}$", server)
	violation := {
		"message": sprintf("remote server %q must be host:port", [server]),
	}
}
`,
	}
}
