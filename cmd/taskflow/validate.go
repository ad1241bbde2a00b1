package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <definition.(json|yaml)>...",
		Short: "Validate workflow definition files",
		Example: `  taskflow validate onboarding.yaml
  taskflow validate --json flows/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := validation.NewWorkflowValidator()
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				res, err := validateFile(v, path)
				if err != nil {
					return err
				}
				if !res.Valid() {
					failed++
				}
				if err := printResult(cmd, path, res, asJSON); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func validateFile(v *validation.WorkflowValidator, path string) (*schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".json" {
		if res := v.CheckDocument(data); !res.Valid() {
			return res, nil
		}
	}
	def, err := schema.ParseDefinition(data, path)
	if err != nil {
		res := &schema.ValidationResult{}
		res.AddError("/", schema.ErrCodeDefinition, err.Error())
		return res, nil
	}
	return v.Validate(def), nil
}

func printResult(cmd *cobra.Command, path string, res *schema.ValidationResult, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		data, err := json.Marshal(map[string]any{"file": path, "valid": res.Valid(), "result": res})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	if res.Valid() {
		fmt.Fprintf(out, "%s: ok\n", path)
	} else {
		fmt.Fprintf(out, "%s: invalid\n", path)
	}
	for _, issue := range res.Issues() {
		fmt.Fprintf(out, "  %-7s %s\n", issue.Severity, issue)
	}
	return nil
}
