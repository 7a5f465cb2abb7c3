package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/deploygate/pkg/api/client"
)

type table struct {
	w *tabwriter.Writer
}

func (t *table) header(cols ...string) { t.row(cols...) }

func (t *table) row(cols ...string) {
	fmt.Fprintln(t.w, strings.Join(cols, "\t"))
}

// render prints v as a table on an interactive terminal and as JSON otherwise.
func render(cmd *cobra.Command, opts *globalOptions, v any, fill func(*table)) error {
	out := cmd.OutOrStdout()
	if opts.json || !isTerminal(out) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	t := &table{w: tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	fill(t)
	return t.w.Flush()
}

func renderAdmission(cmd *cobra.Command, opts *globalOptions, result apiclient.AdmissionResult, v any) error {
	return render(cmd, opts, v, func(t *table) {
		t.header("OUTCOME", "DEPLOYMENT", "ACTIVE", "REASON")
		t.row(result.Outcome, result.DeploymentID, result.ActiveDeploymentID, result.Reason)
	})
}

func deploymentTable(dep apiclient.Deployment) func(*table) {
	return func(t *table) {
		t.header("ID", "STATUS", "APPROVAL", "PR", "COMMIT", "ROLLBACK", "UPDATED")
		t.row(dep.ID, dep.Status, dep.ApprovalStatus, fmt.Sprint(dep.PullRequestID), shortCommit(dep.Commit), fmt.Sprint(dep.IsRollback), dep.UpdatedAt.Format(time.RFC3339))
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
