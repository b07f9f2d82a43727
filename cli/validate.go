package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/techops-services/keeperhub-sub010/engine/schedule"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
)

// ValidateCmd checks a workflow definition file before it is uploaded to
// the platform: structural validation, graph build, and optionally the
// next ticks of a schedule expression.
func ValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().String("schedule", "", "cron or interval expression to check against the definition")
	cmd.Flags().String("schedule-kind", "cron", "schedule kind (cron or interval)")
	cmd.Flags().Int("ticks", 3, "number of upcoming ticks to print for --schedule")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("definition invalid: %w", err)
	}
	graph, err := def.Graph()
	if err != nil {
		return fmt.Errorf("definition invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %s (version %d): %d nodes, valid\n", def.ID, def.Version, graph.Len())
	fmt.Fprintf(out, "execution order: %s\n", strings.Join(graph.Order(), " -> "))

	expr, _ := cmd.Flags().GetString("schedule")
	if expr == "" {
		return nil
	}
	return printTicks(cmd, def.ID, expr)
}

func loadDefinition(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decoding definition file: %w", err)
	}
	return &def, nil
}

func printTicks(cmd *cobra.Command, workflowID, expr string) error {
	kind, _ := cmd.Flags().GetString("schedule-kind")
	ticks, _ := cmd.Flags().GetInt("ticks")
	sched := &schedule.Schedule{
		ID:         "preview",
		WorkflowID: workflowID,
		Kind:       schedule.Kind(kind),
		Expr:       expr,
	}
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("schedule invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "schedule %q (%s) next ticks:\n", expr, kind)
	next := time.Now().UTC()
	for range ticks {
		var err error
		next, err = sched.NextAfter(next)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s\n", next.Format(time.RFC3339))
	}
	return nil
}
