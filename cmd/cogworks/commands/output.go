package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseWorkItem(s string) (pipeline.WorkItemID, error) {
	return pipeline.ParseWorkItemID(s)
}

// runResult is the JSON form of a run reported by run, approve and status.
type runResult struct {
	WorkItem *engine.WorkItem    `json:"work_item,omitempty"`
	Run      *engine.RunSnapshot `json:"run,omitempty"`
}

// printRun writes a human summary of a run.
func printRun(w io.Writer, run *engine.RunSnapshot) {
	fmt.Fprintf(w, "Run:       %s\n", run.ID)
	fmt.Fprintf(w, "Pipeline:  %s\n", run.Pipeline)
	fmt.Fprintf(w, "State:     %s\n", run.State)
	fmt.Fprintf(w, "Cost:      %s of %s\n", run.Accumulated, run.Budget)
	if run.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", run.Reason)
	}
	for node, pa := range run.Approvals {
		fmt.Fprintf(w, "Awaiting:  %s (deadline %s)\n", node, pa.Deadline.Format("2006-01-02 15:04:05"))
	}
	if len(run.Outcomes) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tATTEMPT\tSTATUS\tCOST\tDETAIL")
	for _, o := range run.Outcomes {
		detail := ""
		switch {
		case o.Error != nil:
			detail = o.Error.Error()
		case len(o.Artifacts) > 0:
			detail = strconv.Itoa(len(o.Artifacts)) + " artifacts"
		}
		if o.WillRetry {
			detail += " (retrying)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", o.Node, o.Attempt, o.Status, o.Cost, detail)
	}
	tw.Flush()
}

// settledError maps a settled run onto the process exit code: 0 for
// completed, 2 for awaiting approval, 3 for halted and 4 for failed.
func settledError(run *engine.RunSnapshot) error {
	switch run.State {
	case engine.RunStateCompleted:
		return nil
	case engine.RunStateAwaitingApproval:
		return &exitError{code: 2, err: fmt.Errorf("run %s is awaiting approval", run.ID)}
	case engine.RunStateHalted:
		return &exitError{code: 3, err: fmt.Errorf("run %s halted: %s", run.ID, run.Reason)}
	case engine.RunStateFailed:
		return &exitError{code: 4, err: fmt.Errorf("run %s failed: %s", run.ID, run.Reason)}
	default:
		return fmt.Errorf("run %s is %s", run.ID, run.State)
	}
}

// report prints run in the selected format and converts its state into
// the command result.
func report(wi *engine.WorkItem, run *engine.RunSnapshot) error {
	if jsonOutput {
		if err := printJSON(runResult{WorkItem: wi, Run: run}); err != nil {
			return err
		}
	} else {
		printRun(os.Stdout, run)
	}
	return settledError(run)
}
