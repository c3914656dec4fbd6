// Command dropctl issues, checks and revokes drop tokens against a local
// store. State persists between invocations when the sqlite backend is used.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/sofatutor/droptoken/internal/config"
	"github.com/sofatutor/droptoken/internal/engine"
	"github.com/sofatutor/droptoken/internal/store"
	"github.com/sofatutor/droptoken/internal/token"
)

// For testing
var osExit = os.Exit

type rootOptions struct {
	envFile string
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "dropctl",
		Short:         "Manage drop tokens",
		Long:          `Issue, validate, use, rotate and revoke scoped, time-boxed drop tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file to load before reading configuration")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Output as JSON")

	root.AddCommand(
		newIssueCmd(opts),
		newValidateCmd(opts),
		newRevokeCmd(opts),
		newRevokeTenantCmd(opts),
		newRotateCmd(opts),
		newAccessCmd(opts),
		newShowCmd(opts),
		newLogCmd(opts),
		newStatsCmd(opts),
		newSweepCmd(opts),
		newAuditCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

// loadConfig reads the optional .env file and then the environment.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.envFile, err)
		}
	}
	return config.New()
}

// withApp builds the app for one command and closes it afterwards.
func withApp(opts *rootOptions, fn func(a *app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	runErr := fn(a)
	closeErr := a.close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newIssueCmd(opts *rootOptions) *cobra.Command {
	var (
		req         engine.IssueRequest
		permissions []string
		lifetime    time.Duration
		maxAccess   int
		ipAllow     []string
		issuedBy    string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new drop token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range permissions {
				req.Permissions = append(req.Permissions, token.Permission(strings.TrimSpace(p)))
			}
			if cmd.Flags().Changed("ttl") {
				req.Lifetime = &lifetime
			}
			if cmd.Flags().Changed("max-access") || len(ipAllow) > 0 {
				req.Restrictions = &engine.RestrictionRequest{IPAllowlist: ipAllow}
				if cmd.Flags().Changed("max-access") {
					req.Restrictions.MaxAccessCount = &maxAccess
				}
			}

			return withApp(opts, func(a *app) error {
				t, err := a.engine.Issue(cmd.Context(), req, issuedBy)
				if err != nil {
					if kind, ok := engine.IsAdmissionError(err); ok {
						return fmt.Errorf("issue rejected (%s): %w", kind, err)
					}
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, t)
				}
				fmt.Fprintf(out, "Token: %s\n", t.ID)
				fmt.Fprintf(out, "Expires at: %s\n", t.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.TenantID, "tenant", "", "Tenant ID (required)")
	f.StringVar(&req.WorkspaceID, "workspace", "", "Workspace ID")
	f.StringVar(&req.ProjectID, "project", "", "Project ID")
	f.StringSliceVar(&req.ArtifactRefs, "artifact", nil, "Artifact reference (repeatable)")
	f.StringSliceVar(&permissions, "permission", nil, "Permission: read, write, download or preview (repeatable)")
	f.StringVar(&req.DeliveryMethod, "delivery", "", "Delivery method")
	f.StringVar(&req.PartnerID, "partner", "", "Partner ID")
	f.StringVar(&req.WebhookURL, "webhook", "", "Webhook endpoint")
	f.DurationVar(&lifetime, "ttl", 0, "Requested lifetime (default from policy)")
	f.IntVar(&maxAccess, "max-access", 0, "Maximum number of successful accesses")
	f.StringSliceVar(&ipAllow, "ip-allow", nil, "Allowed source IP (repeatable)")
	f.StringVar(&issuedBy, "issued-by", "", "Issuing principal")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <token-id>",
		Short: "Check whether a token is currently usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				v, err := a.engine.Validate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, v)
				}
				if v.Valid {
					fmt.Fprintln(out, "Token is valid")
				} else {
					fmt.Fprintf(out, "Token is invalid: %s\n", v.Reason)
				}
				return nil
			})
		},
	}
}

func newRevokeCmd(opts *rootOptions) *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				var err error
				if actor != "" {
					err = a.engine.RevokeBy(cmd.Context(), args[0], reason, actor)
				} else {
					err = a.engine.Revoke(cmd.Context(), args[0], reason)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, map[string]any{"id": args[0], "revoked": true})
				}
				fmt.Fprintf(out, "Token %s revoked.\n", token.ObfuscateID(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit event")
	cmd.Flags().StringVar(&actor, "actor", "", "Principal performing the revocation (default system)")
	return cmd
}

func newRevokeTenantCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke-tenant <tenant-id>",
		Short: "Revoke every token of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				n, err := a.engine.RevokeTenant(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, map[string]any{"tenant_id": args[0], "revoked": n})
				}
				fmt.Fprintf(out, "Revoked %d tokens.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit events")
	return cmd
}

func newRotateCmd(opts *rootOptions) *cobra.Command {
	var issuedBy string
	cmd := &cobra.Command{
		Use:   "rotate <token-id>",
		Short: "Revoke a token and issue a replacement for its remaining lifetime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				t, err := a.engine.Rotate(cmd.Context(), args[0], issuedBy)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, t)
				}
				fmt.Fprintf(out, "Token: %s\n", t.ID)
				fmt.Fprintf(out, "Expires at: %s\n", t.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issuedBy, "issued-by", "", "Issuing principal for the replacement")
	return cmd
}

func newAccessCmd(opts *rootOptions) *cobra.Command {
	var (
		req    engine.AccessRequest
		action string
	)
	cmd := &cobra.Command{
		Use:   "access <token-id>",
		Short: "Record one use of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TokenID = args[0]
			req.Action = token.Permission(action)
			return withApp(opts, func(a *app) error {
				entry, err := a.engine.Access(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, entry)
				}
				if entry.Reason != "" {
					fmt.Fprintf(out, "%s: %s\n", entry.Result, entry.Reason)
				} else {
					fmt.Fprintln(out, entry.Result)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.AccessorID, "accessor", "", "Accessor identity")
	f.StringVar(&action, "action", string(token.PermissionRead), "Requested permission")
	f.StringVar(&req.ArtifactRef, "artifact", "", "Target artifact reference (required)")
	f.StringVar(&req.SourceIP, "ip", "", "Source IP")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <token-id>",
		Short: "Show a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				t, ok, err := a.engine.GetToken(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return engine.ErrTokenNotFound
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, t)
				}
				fmt.Fprint(out, token.FormatTokenInfo(t, time.Now()))
				return nil
			})
		},
	}
}

func newLogCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <token-id>",
		Short: "Show the access log of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				entries, err := a.engine.GetAccessLog(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "No access log entries.")
					return nil
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%s  %-12s %-8s %-10s %s %s\n",
						e.Timestamp.Format(time.RFC3339), e.Result, e.Action, e.AccessorID, e.ArtifactRef, e.Reason)
				}
				return nil
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var withMetrics bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count stored tokens by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				s, err := a.engine.Stats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				var counters map[string]float64
				if withMetrics && a.registry != nil {
					if counters, err = gatherCounters(a); err != nil {
						return err
					}
				}
				if opts.jsonOut {
					if counters == nil {
						return printJSON(out, s)
					}
					return printJSON(out, map[string]any{"stats": s, "metrics": counters})
				}
				fmt.Fprintf(out, "Total: %d\nActive: %d\nRevoked: %d\nExpired: %d\n", s.Total, s.Active, s.Revoked, s.Expired)
				names := make([]string, 0, len(counters))
				for name := range counters {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(out, "%s %g\n", name, counters[name])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "Include counters recorded during this invocation")
	return cmd
}

// gatherCounters flattens the registry's counters into name{labels} keys.
func gatherCounters(a *app) (map[string]float64, error) {
	families, err := a.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		if f.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range f.GetMetric() {
			out[f.GetName()+labelString(m.GetLabel())] = m.GetCounter().GetValue()
		}
	}
	return out, nil
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var filters store.AuditEventFilters
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit events stored in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if a.sqlite == nil || !a.cfg.AuditStoreInDB {
					return fmt.Errorf("audit events are only stored with STORE_BACKEND=sqlite and AUDIT_STORE_IN_DB=true")
				}
				events, err := a.sqlite.ListAuditEvents(cmd.Context(), filters)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, events)
				}
				for _, e := range events {
					fmt.Fprintf(out, "%s  %s  %-18s %-10s %s %s\n",
						e.Timestamp.Format(time.RFC3339), e.ID, e.Action, e.Actor, e.TenantID, e.TokenID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filters.Action, "action", "", "Only events with this action (e.g. droptoken.revoke)")
	cmd.Flags().StringVar(&filters.TenantID, "tenant", "", "Only events of this tenant")
	cmd.Flags().IntVar(&filters.Limit, "limit", 0, "Maximum number of events (0 for all)")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Move overdue active tokens to expired",
		Long:  `Expire overdue tokens once, or keep sweeping at an interval with --watch until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				interval := watch
				if interval == 0 {
					interval = a.cfg.ExpirySweepInterval
				}
				if interval > 0 {
					return watchSweep(cmd.Context(), a, interval)
				}

				n, err := a.engine.ExpireStale(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, map[string]int{"expired": n})
				}
				fmt.Fprintf(out, "Expired %d tokens.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "Keep sweeping at this interval (default EXPIRY_SWEEP_INTERVAL, 0 runs once)")
	return cmd
}

func watchSweep(ctx context.Context, a *app, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	x := engine.NewExpirer(a.engine, interval, a.logger)
	x.Start()
	<-ctx.Done()
	x.Stop()
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
