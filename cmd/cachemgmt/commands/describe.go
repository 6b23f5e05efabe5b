package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/subsystem"
)

func newVersionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List the supported model versions",
		Long: `List every model version operations and exports can be expressed in.
The current version is marked with an asterisk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions := subsystem.Versions()
			if jsonOutput {
				return printJSON(out(cmd), map[string]interface{}{
					"current":  subsystem.CurrentVersion,
					"versions": versions,
				})
			}
			for _, v := range versions {
				marker := " "
				if v == subsystem.CurrentVersion {
					marker = "*"
				}
				fmt.Fprintf(out(cmd), "%s %s\n", marker, v)
			}
			return nil
		},
	}

	return cmd
}

// attributeInfo is the JSON form of an attribute definition.
type attributeInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Default     string   `json:"default,omitempty"`
	Mutability  string   `json:"mutability"`
	Nullable    bool     `json:"nullable"`
	Allowed     []string `json:"allowed,omitempty"`
	Since       string   `json:"since,omitempty"`
	Until       string   `json:"until,omitempty"`
	Description string   `json:"description,omitempty"`
}

func newDescribeCommand() *cobra.Command {
	var modelVersion string

	cmd := &cobra.Command{
		Use:   "describe [type]",
		Short: "Describe resource types",
		Long: `Describe the attributes and child types of a resource type, or list
every resource type when none is given.`,
		Example: `  cachemgmt describe distributed-cache
  cachemgmt describe distributed-cache --model-version 1.3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := subsystem.NewRegistry()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				for _, key := range registry.Keys() {
					rs, _ := registry.Lookup(key)
					fmt.Fprintf(out(cmd), "%-20s %s\n", key, rs.Description)
				}
				return nil
			}

			rs, ok := registry.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown resource type %q", args[0])
			}
			version := registry.CurrentVersion()
			if modelVersion != "" {
				if version, err = schema.ParseVersion(modelVersion); err != nil {
					return err
				}
			}
			return describeType(cmd, rs, version)
		},
	}

	cmd.Flags().StringVar(&modelVersion, "model-version", "", "show the attributes of this model version")

	return cmd
}

func describeType(cmd *cobra.Command, rs *schema.ResourceSchema, version schema.Version) error {
	var attrs []attributeInfo
	for _, def := range rs.Attributes() {
		if !def.PresentIn(version) {
			continue
		}
		info := attributeInfo{
			Name:        def.Name,
			Type:        def.Type.String(),
			Mutability:  def.Mutability.String(),
			Nullable:    def.Nullable,
			Allowed:     def.Allowed,
			Description: def.Description,
		}
		if def.Default.IsDefined() {
			info.Default = def.Default.String()
		}
		if !def.Since.IsZero() {
			info.Since = def.Since.String()
		}
		if !def.Until.IsZero() {
			info.Until = def.Until.String()
		}
		attrs = append(attrs, info)
	}

	if jsonOutput {
		return printJSON(out(cmd), map[string]interface{}{
			"type":        rs.Key,
			"description": rs.Description,
			"version":     version,
			"fixed_name":  rs.FixedName,
			"attributes":  attrs,
			"children":    rs.ChildKeys(),
		})
	}

	fmt.Fprintf(out(cmd), "%s (model %s)\n", rs.Key, version)
	if rs.Description != "" {
		fmt.Fprintf(out(cmd), "  %s\n", rs.Description)
	}
	if rs.FixedName != "" {
		fmt.Fprintf(out(cmd), "  name must be %s\n", rs.FixedName)
	}
	fmt.Fprintln(out(cmd))

	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTRIBUTE\tTYPE\tDEFAULT\tMUTABILITY\tALLOWED")
	for _, a := range attrs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Name, a.Type, a.Default, a.Mutability, strings.Join(a.Allowed, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if children := rs.ChildKeys(); len(children) > 0 {
		fmt.Fprintf(out(cmd), "\nchildren: %s\n", strings.Join(children, ", "))
	}
	return nil
}
