// Package config loads everything a management process reads from disk: the
// server configuration, CUE bootstrap documents and Starlark operation scripts.
//
// # Server configuration
//
// ServerConfig is read from YAML over DefaultServerConfig and validated with
// struct tags:
//
//	data_dir: /var/lib/cachemgmt
//	runtime:
//	  verify_timeout: 10s
//	policy:
//	  dir: /etc/cachemgmt/policies
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//
// # Bootstrap documents
//
// CUEParser turns a CUE document describing the resource tree into add
// operations in tree order, parents before children. A document written
// against an older model version marks every operation as legacy so the
// pipeline translates it on receipt.
//
//	parser, _ := config.NewCUEParser(sub.Registry)
//	b, err := parser.Parse("bootstrap.cue")
//	if err != nil {
//		return err
//	}
//	res := sub.Pipeline.Execute(ctx, b.Operation())
//
// Parse errors are returned as *ParseError carrying file positions.
//
// # Scripts
//
// ScriptRunner executes Starlark scripts whose builtins run one management
// operation each:
//
//	add(address, **attributes)
//	remove(address, cascade=False)
//	write(address, name, value)
//	undefine(address, name)
//	read(address, name)
//	read_resource(address, recursive=False, include_defaults=True)
//	children(address, type)
//	describe(address, version=None)
//	reload()
//	model_version(version)
//
// The first failed operation stops the script. Scripts are bounded by a
// timeout.
package config
