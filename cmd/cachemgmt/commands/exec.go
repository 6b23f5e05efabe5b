package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func newExecCommand() *cobra.Command {
	var modelVersion string

	cmd := &cobra.Command{
		Use:   "exec <operation> <address> [key=value...]",
		Short: "Execute one management operation",
		Long: `Execute one operation against the configuration tree.

Operations: add, remove, read-attribute, write-attribute, undefine-attribute,
read-resource, read-children-names, describe, reload.

Parameters are key=value pairs forming the operation payload. Values are
read as YAML scalars or flow collections, so 3 is a number, true a boolean,
[a, b] a list and ${name:default} an expression.`,
		Example: `  # Add a distributed cache
  cachemgmt exec add /cache-container=web/distributed-cache=sessions owners=3 segments=60

  # Change an attribute
  cachemgmt exec write-attribute /cache-container=web/distributed-cache=sessions name=owners value=2

  # Read a subtree with defaults
  cachemgmt exec read-resource /cache-container=web recursive=true include-defaults=true

  # Add using model 1.3 attribute names
  cachemgmt exec add /cache-container=web/distributed-cache=carts virtual-nodes=8 --model-version 1.3`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := buildOperation(args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			if modelVersion != "" {
				v, err := schema.ParseVersion(modelVersion)
				if err != nil {
					return err
				}
				op.Legacy(v)
			}
			return run(cmd, func(ctx context.Context, rt *runtime) error {
				return printResult(out(cmd), rt.sub.Pipeline.Execute(ctx, op))
			})
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "model version the payload is written against")

	return cmd
}

func buildOperation(opType, addr string, params []string) (*engine.Operation, error) {
	t := engine.OperationType(opType)
	if !t.Valid() || t == engine.OpComposite {
		return nil, fmt.Errorf("unknown operation %q", opType)
	}
	target, err := address.Parse(addr)
	if err != nil {
		return nil, err
	}
	payload, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	return engine.NewOperation(t, target, payload), nil
}

// parseParams turns key=value arguments into an ordered payload.
func parseParams(params []string) (*value.Object, error) {
	payload := value.NewObject()
	for _, p := range params {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", p)
		}
		var v value.Value
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		payload.Set(key, v)
	}
	return payload, nil
}
