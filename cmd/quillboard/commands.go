package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcourtman/quillboard/internal/content"
	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/reconcile"
	"github.com/rcourtman/quillboard/internal/remoteauth"
	"github.com/rcourtman/quillboard/internal/session"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type statusView struct {
	Identity  string `json:"identity"`
	Kind      string `json:"kind"`
	Email     string `json:"email,omitempty"`
	Plan      string `json:"plan"`
	Label     string `json:"label"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
	Path      string `json:"path"`
}

func newStatusView(res session.Result) statusView {
	rec := res.Record
	return statusView{
		Identity:  rec.Identity.ID,
		Kind:      string(rec.Identity.Kind),
		Email:     rec.Identity.Email,
		Plan:      string(rec.Plan),
		Label:     plans.Label(rec.Plan, rec.BillingCycle),
		Used:      rec.Usage.CurrentPeriodCount,
		Limit:     rec.MonthlyLimit,
		Remaining: entitlements.Remaining(rec),
		Total:     rec.Usage.TotalCount,
		Path:      res.Path,
	}
}

func printStatus(out io.Writer, v statusView) {
	fmt.Fprintf(out, "Identity:  %s (%s)\n", v.Identity, v.Kind)
	if v.Email != "" {
		fmt.Fprintf(out, "Email:     %s\n", v.Email)
	}
	fmt.Fprintf(out, "Plan:      %s\n", v.Label)
	if v.Limit == plans.Unlimited {
		fmt.Fprintf(out, "Usage:     %d (unlimited)\n", v.Used)
	} else {
		fmt.Fprintf(out, "Usage:     %d/%d (%d remaining)\n", v.Used, v.Limit, v.Remaining)
	}
	fmt.Fprintf(out, "Resolved:  %s\n", v.Path)
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active identity and its entitlements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				v := newStatusView(a.sessions.Bootstrap(ctx))
				if asJSON {
					enc := json.NewEncoder(a.out)
					enc.SetIndent("", "  ")
					return enc.Encode(v)
				}
				printStatus(a.out, v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func newUpgradeCmd() *cobra.Command {
	var cycle string
	cmd := &cobra.Command{
		Use:   "upgrade <plan>",
		Short: "Switch plan without collecting payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				a.sessions.Bootstrap(ctx)
				attempt := a.pipeline.UpgradePlan(ctx, args[0], plans.BillingCycle(strings.ToLower(strings.TrimSpace(cycle))))
				return reportAttempt(ctx, a, attempt)
			})
		},
	}
	cmd.Flags().StringVar(&cycle, "cycle", string(plans.Monthly), "Billing cycle (monthly or yearly)")
	return cmd
}

func newPurchaseCmd() *cobra.Command {
	var cycle string
	cmd := &cobra.Command{
		Use:   "purchase <plan>",
		Short: "Pay for a plan and switch to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				a.sessions.Bootstrap(ctx)
				res, err := a.checkout.Purchase(ctx, args[0], plans.BillingCycle(strings.ToLower(strings.TrimSpace(cycle))))
				if err != nil {
					return err
				}
				if res.PaymentID != "" {
					fmt.Fprintf(a.out, "Payment %s confirmed (%d)\n", res.PaymentID, res.Amount)
				}
				return reportAttempt(ctx, a, res.Attempt)
			})
		},
	}
	cmd.Flags().StringVar(&cycle, "cycle", string(plans.Monthly), "Billing cycle (monthly or yearly)")
	return cmd
}

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume [n]",
		Short: "Record generation units against the monthly quota",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed < 1 {
					return fmt.Errorf("invalid unit count %q", args[0])
				}
				n = parsed
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				a.sessions.Bootstrap(ctx)
				if err := a.gate.CheckN(n); err != nil {
					return err
				}
				attempt := a.pipeline.RecordUsage(ctx, n)
				attempt.Wait(ctx)
				a.settle()
				rec := a.store.Get()
				fmt.Fprintf(a.out, "Recorded %d unit(s); %d used this month\n", n, rec.Usage.CurrentPeriodCount)
				return nil
			})
		},
	}
}

func newGenerateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate content, consuming one unit of quota",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := content.ParseKind(kind)
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				a.sessions.Bootstrap(ctx)
				item, err := a.content.Generate(ctx, k, strings.Join(args, " "))
				a.settle()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, item.Output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(content.KindText), "Content kind (text or image)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List generated content for the active identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				a.sessions.Bootstrap(ctx)
				items, err := a.content.History(ctx)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(a.out, "No content yet")
					return nil
				}
				for _, it := range items {
					fmt.Fprintf(a.out, "%s  %-5s  %s\n", it.CreatedAt.Local().Format("2006-01-02 15:04"), it.Kind, it.Prompt)
				}
				return nil
			})
		},
	}
}

func newSignInCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:     "signin",
		Aliases: []string{"login", "bypass"},
		Short:   "Sign in with email and password",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.sessions.SignIn(ctx, remoteauth.Credentials{Email: email, Password: password})
				a.settle()
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Signed in as %s\n", id)
				printStatus(a.out, newStatusView(session.Result{Identity: id, Record: a.store.Get(), Path: string(id.Kind)}))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSignUpCmd() *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd, "Choose a password: ")
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.sessions.SignUp(ctx, remoteauth.Credentials{Email: email, Password: password}, name)
				if err != nil {
					return err
				}
				if id.IsEphemeralLocal() {
					fmt.Fprintf(a.out, "Created a local account for %s on this device\n", id.Email)
				} else {
					fmt.Fprintf(a.out, "Welcome, %s\n", id.DisplayName)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSignOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and clear cached session data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.sessions.SignOut(ctx); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Signed out")
				return nil
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay running, print entitlement changes and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				addr := a.cfg.MetricsAddr
				if cmd.Flags().Changed("metrics-addr") {
					addr = metricsAddr
				}
				if addr != "" {
					srv, err := listenMetrics(addr, prometheus.DefaultGatherer, a.cfg.MetricsShutdownTimeout)
					if err != nil {
						return err
					}
					srv.Serve(ctx)
					defer func() { <-srv.Done() }()
				}
				return runWatch(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus metrics endpoint (defaults to QUILL_METRICS_ADDR; empty disables)")
	return cmd
}

// reportAttempt waits for the remote reconciliation of attempt and prints
// the local result. The local change already holds whatever the outcome.
func reportAttempt(ctx context.Context, a *app, attempt *reconcile.Attempt) error {
	outcome := attempt.Wait(ctx)
	a.settle()
	if outcome == reconcile.OutcomeFailed && attempt.Err() != nil && attempt.TargetPlan == "" {
		return attempt.Err()
	}
	rec := a.store.Get()
	fmt.Fprintf(a.out, "Plan: %s (sync: %s)\n", plans.Label(rec.Plan, rec.BillingCycle), outcome)
	return nil
}

// readSecret prompts without echo on a terminal and otherwise reads one line
// from standard input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
