package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/deploygate/pkg/api/client"
	"github.com/splax/deploygate/pkg/jwt"
)

const requestTimeout = 15 * time.Second

func newLoginCommand(opts *globalOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API address and an operator token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(token)
			if secret == "" {
				read, err := readSecret(cmd, "Access token: ")
				if err != nil {
					return err
				}
				secret = read
			}
			if secret == "" {
				return errors.New("an access token is required")
			}
			cfg, _ := loadConfig()
			if strings.TrimSpace(opts.apiBase) != "" {
				cfg.APIBaseURL = opts.apiBase
			} else if cfg.APIBaseURL == "" {
				cfg.APIBaseURL = defaultAPIBaseURL
			}
			cfg.AccessToken = secret
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "login saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Operator access token (supply to avoid prompt)")
	return cmd
}

func newTokenCommand(opts *globalOptions) *cobra.Command {
	var (
		operator string
		roles    []string
		ttl      time.Duration
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with the API's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
			if secret == "" {
				read, err := readSecret(cmd, "JWT secret: ")
				if err != nil {
					return err
				}
				secret = read
			}
			if secret == "" {
				return errors.New("JWT_SECRET is required")
			}
			signed, err := jwt.GenerateToken(strings.TrimSpace(operator), roles, secret, ttl)
			if err != nil {
				return err
			}
			if save {
				cfg, _ := loadConfig()
				if strings.TrimSpace(opts.apiBase) != "" {
					cfg.APIBaseURL = opts.apiBase
				}
				cfg.AccessToken = signed
				if err := saveConfig(cfg); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity recorded on actions")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted by the token (approver|admin), repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "Store the token in the CLI config")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newAppsCommand(opts *globalOptions) *cobra.Command {
	apps := &cobra.Command{
		Use:   "apps",
		Short: "Manage applications",
	}

	var requireApproval bool
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			app, err := client.CreateApplication(ctx, apiclient.CreateApplicationInput{
				Name:            args[0],
				RequireApproval: requireApproval,
			})
			if err != nil {
				return err
			}
			return render(cmd, opts, app, func(t *table) {
				t.header("ID", "NAME", "APPROVAL")
				t.row(app.ID, app.Name, fmt.Sprint(app.RequireApproval))
			})
		},
	}
	create.Flags().BoolVar(&requireApproval, "require-approval", false, "Hold every deployment at the approval gate")

	get := &cobra.Command{
		Use:   "get <application-id>",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			app, err := client.GetApplication(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd, opts, app, func(t *table) {
				t.header("ID", "NAME", "APPROVAL", "CREATED")
				t.row(app.ID, app.Name, fmt.Sprint(app.RequireApproval), app.CreatedAt.Format(time.RFC3339))
			})
		},
	}

	apps.AddCommand(create, get)
	return apps
}

func newDeployCommand(opts *globalOptions) *cobra.Command {
	var input apiclient.DeployInput
	cmd := &cobra.Command{
		Use:   "deploy <application-id>",
		Short: "Request a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			result, err := client.Deploy(ctx, args[0], input)
			if err != nil {
				return err
			}
			if err := renderAdmission(cmd, opts, result, result); err != nil {
				return err
			}
			return admissionError(result)
		},
	}
	cmd.Flags().StringVar(&input.Commit, "commit", "", "Commit SHA (defaults to the latest commit)")
	cmd.Flags().Int64Var(&input.PullRequestID, "pr", 0, "Pull request number (0 targets the main slot)")
	cmd.Flags().BoolVar(&input.ForceRebuild, "force-rebuild", false, "Rebuild even when an image exists")
	cmd.Flags().BoolVar(&input.RestartOnly, "restart-only", false, "Restart without rebuilding")
	cmd.Flags().BoolVar(&input.InstantDeploy, "instant", false, "Skip the batching window")
	cmd.Flags().BoolVar(&input.PreApproved, "pre-approved", false, "Bypass the approval gate (approver role)")
	return cmd
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var (
		listOpts apiclient.ListDeploymentsOptions
		pr       int64
	)
	cmd := &cobra.Command{
		Use:   "list <application-id>",
		Short: "List recent deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("pr") {
				listOpts.PullRequestID = &pr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			deployments, err := client.ListDeployments(ctx, args[0], listOpts)
			if err != nil {
				return err
			}
			return render(cmd, opts, deployments, func(t *table) {
				t.header("ID", "STATUS", "APPROVAL", "PR", "COMMIT", "UPDATED")
				for _, dep := range deployments {
					t.row(dep.ID, dep.Status, dep.ApprovalStatus, fmt.Sprint(dep.PullRequestID), shortCommit(dep.Commit), dep.UpdatedAt.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().StringVar(&listOpts.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&listOpts.Commit, "commit", "", "Filter by commit")
	cmd.Flags().Int64Var(&pr, "pr", 0, "Filter by pull request number")
	cmd.Flags().IntVar(&listOpts.Limit, "limit", 10, "Maximum number of deployments")
	return cmd
}

func newGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			dep, err := client.GetDeployment(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd, opts, dep, deploymentTable(dep))
		},
	}
}

func newDecisionCommand(opts *globalOptions, action, short string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   action + " <deployment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var dep apiclient.Deployment
			switch action {
			case "approve":
				dep, err = client.Approve(ctx, args[0], note)
			case "reject":
				dep, err = client.Reject(ctx, args[0], note)
			default:
				dep, err = client.Cancel(ctx, args[0], note)
			}
			if err != nil {
				return err
			}
			return render(cmd, opts, dep, deploymentTable(dep))
		},
	}
	flag := "note"
	if action == "cancel" {
		flag = "reason"
	}
	cmd.Flags().StringVar(&note, flag, "", "Free-form text recorded with the decision")
	return cmd
}

func newRollbackCommand(opts *globalOptions) *cobra.Command {
	var input apiclient.RollbackInput
	rollback := &cobra.Command{
		Use:   "rollback <application-id>",
		Short: "Roll an application back to a previously finished deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			result, err := client.Rollback(ctx, args[0], input)
			if err != nil {
				return err
			}
			return renderRollback(cmd, opts, result)
		},
	}
	rollback.Flags().StringVar(&input.TargetDeploymentID, "target", "", "Finished deployment to restore")
	rollback.Flags().StringVar(&input.Reason, "reason", "", "Reason recorded on the rollback event")
	_ = rollback.MarkFlagRequired("target")

	resume := &cobra.Command{
		Use:   "resume <rollback-id>",
		Short: "Retry admission for a pending rollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			result, err := client.ResumeRollback(ctx, args[0])
			if err != nil {
				return err
			}
			return renderRollback(cmd, opts, result)
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <application-id>",
		Short: "List rollback events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			events, err := client.ListRollbacks(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return render(cmd, opts, events, func(t *table) {
				t.header("ID", "STATUS", "FROM", "TO", "DEPLOYMENT", "TRIGGERED")
				for _, ev := range events {
					t.row(ev.ID, ev.Status, shortCommit(ev.FromCommit), shortCommit(ev.ToCommit), deref(ev.RollbackDeploymentID), ev.TriggeredAt.Format(time.RFC3339))
				}
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 10, "Maximum number of rollback events")

	rollback.AddCommand(resume, list)
	return rollback
}

func newEventsCommand(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <application-id>",
		Short: "Show the deployment event journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			events, err := client.ListEvents(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return render(cmd, opts, events, func(t *table) {
				t.header("TIME", "TYPE", "DEPLOYMENT", "ACTOR", "MESSAGE")
				for _, ev := range events {
					t.row(ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.DeploymentID, ev.Actor, ev.Message)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}

func renderRollback(cmd *cobra.Command, opts *globalOptions, result apiclient.RollbackResult) error {
	if err := render(cmd, opts, result, func(t *table) {
		t.header("ROLLBACK", "STATUS", "TO", "OUTCOME", "DEPLOYMENT")
		t.row(result.Event.ID, result.Event.Status, shortCommit(result.Event.ToCommit), result.Admission.Outcome, result.Admission.DeploymentID)
	}); err != nil {
		return err
	}
	return admissionError(result.Admission)
}

// admissionError turns a rejected admission into a non-zero exit.
func admissionError(result apiclient.AdmissionResult) error {
	if result.Outcome != apiclient.OutcomeRejected {
		return nil
	}
	msg := "deployment rejected"
	if result.ActiveDeploymentID != "" {
		msg += ": " + result.ActiveDeploymentID + " holds the slot"
	}
	if result.RetryAfter > 0 {
		msg += fmt.Sprintf("; retry after %s", result.RetryAfter)
	}
	return errors.New(msg)
}

// readSecret prompts without echo when stdin is a terminal.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprint(cmd.ErrOrStderr(), "\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
