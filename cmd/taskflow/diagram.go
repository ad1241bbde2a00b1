package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/diagram"
	"github.com/rendis/taskflow/pkg/schema"
)

func newDiagramCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "diagram <definition.(json|yaml)>",
		Short: "Render a workflow definition as Mermaid, ASCII, PNG or SVG",
		Example: `  taskflow diagram onboarding.yaml
  taskflow diagram --format svg -o onboarding.svg onboarding.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := schema.ParseDefinition(data, args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, nil, nil)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case diagram.FormatPNG, diagram.FormatSVG:
				if output == "" {
					return fmt.Errorf("--output is required for %s", format)
				}
				out, err = diagram.RenderImage(cmd.Context(), model, format)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(output, out, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "mermaid, ascii, png or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
