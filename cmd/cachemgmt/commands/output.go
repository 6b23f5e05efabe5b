package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cachegrid/cachemgmt/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printResult writes res and returns its failure, if any.
func printResult(w io.Writer, res *engine.Result) error {
	if jsonOutput {
		if err := printJSON(w, res); err != nil {
			return err
		}
		return res.Err()
	}
	if !res.Succeeded() {
		return fmt.Errorf("%s %s: %w", res.Type, res.Address, res.Err())
	}

	if res.Value.IsDefined() {
		data, err := json.MarshalIndent(res.Value, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		fmt.Fprintf(w, "%s %s: %s\n", res.Type, res.Address, res.State)
	}
	if res.Plan != nil && (res.Plan.Installs > 0 || res.Plan.Removals > 0) {
		fmt.Fprintf(w, "services: %d installed, %d removed\n", res.Plan.Installs, res.Plan.Removals)
	}
	if res.RestartRequired {
		fmt.Fprintln(w, "restart required")
	} else if res.ReloadRequired {
		fmt.Fprintln(w, "reload required")
	}
	return nil
}
