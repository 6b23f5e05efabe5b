package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// bootstrapSchema constrains the shape of a bootstrap document. Attribute
// names and values are checked later against the resource schemas.
const bootstrapSchema = `
close({
	version?: =~"^[0-9]+\\.[0-9]+$"
	resources: [Type=string]: [Name=string]: {...}
})
`

// compileSchema compiles src in ctx.
func compileSchema(ctx *cue.Context, name, src string) (cue.Value, error) {
	v := ctx.CompileString(src, cue.Filename(name))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return v, nil
}
