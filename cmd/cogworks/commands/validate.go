package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var (
		dotFile       string
		checkServices bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the pipeline",
		Long: `Validate the configuration without starting any run.

This command checks:
  - cogworks.yaml field constraints
  - CUE pipeline syntax and schema conformance
  - Node parameters against their capability schemas
  - Edge guards compile, and the graph is acyclic
  - Constitutional rules compile
  - Optionally, that every domain service answers the handshake`,
		Example: `  # Validate the default config
  cogworks validate

  # Validate and write the pipeline graph
  cogworks validate --dot pipeline.dot

  # Also contact every registered service
  cogworks validate --check-services`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			log.Info().
				Str("pipeline", string(a.graph.Name())).
				Int("nodes", len(a.graph.Nodes())).
				Int("edges", len(a.graph.Edges())).
				Msg("Pipeline is valid")

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(a.graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT graph: %w", err)
				}
			}

			st := a.policy.Status()
			names := make([]string, 0, len(st.Rules))
			for _, r := range st.Rules {
				names = append(names, r.Name)
			}
			log.Info().Strs("rules", names).Msg("Constitutional rules compiled")

			if checkServices {
				if _, err := negotiateAll(ctx, a.services); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"pipeline":     a.graph.Name(),
					"levels":       a.graph.Levels(),
					"capabilities": a.registry.Capabilities(),
					"rules":        names,
				})
			}
			fmt.Printf("Pipeline %s is valid\n", a.graph.Name())
			for i, level := range a.graph.Levels() {
				ids := make([]string, len(level))
				for j, id := range level {
					ids[j] = string(id)
				}
				fmt.Printf("  level %d: %s\n", i, strings.Join(ids, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the pipeline graph in DOT format")
	cmd.Flags().BoolVar(&checkServices, "check-services", false, "handshake with every registered service")

	return cmd
}
