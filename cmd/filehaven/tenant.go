package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/filehaven/filehaven/internal/auth"
	"github.com/filehaven/filehaven/internal/config"
	"github.com/filehaven/filehaven/internal/logging/audit"
	"github.com/filehaven/filehaven/internal/storage"
	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/filehaven/filehaven/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTenantCmd() *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		Long: `Manage filehaven tenants.

Examples:
  # Create a tenant on the free plan
  filehaven tenant create --name acme

  # Move tenant 1 to the premium plan
  filehaven tenant set-plan 1 PREMIUM

  # Recompute tenant 1's used bytes from disk
  filehaven tenant reconcile 1`,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE:  runTenantCreate,
	}
	createCmd.Flags().String("name", "", "tenant name")
	createCmd.Flags().String("plan", tenant.PlanFree, "plan name")
	tenantCmd.AddCommand(createCmd)

	tenantCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a tenant",
		Args:  cobra.ExactArgs(1),
		RunE:  runTenantShow,
	})

	tenantCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE:  runTenantList,
	})

	tenantCmd.AddCommand(&cobra.Command{
		Use:   "set-plan <id> <plan>",
		Short: "Change a tenant's plan",
		Args:  cobra.ExactArgs(2),
		RunE:  runTenantSetPlan,
	})

	reconcileCmd := &cobra.Command{
		Use:   "reconcile [id]",
		Short: "Recompute used bytes from the files on disk",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTenantReconcile,
	}
	reconcileCmd.Flags().Bool("all", false, "reconcile every tenant")
	tenantCmd.AddCommand(reconcileCmd)

	return tenantCmd
}

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect storage plans",
	}
	planCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE:  runPlanList,
	})
	return planCmd
}

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a tenant",
		RunE:  runTokenIssue,
	}
	issueCmd.Flags().Int64("tenant", 0, "tenant id")
	_ = issueCmd.MarkFlagRequired("tenant")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

// withStore loads config, opens the tenant store and runs fn against it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store tenant.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stopLogs := setupLogging(cfg)
	defer stopLogs()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, cfg, store)
}

func parseTenantID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tenant id %q", s)
	}
	return id, nil
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	plan, _ := cmd.Flags().GetString("plan")

	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		t, err := store.CreateTenant(ctx, name, plan)
		if err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
		audit.NewLogger(log.Logger).LogTenantMgmt("create_tenant", t.ID, "plan="+t.Plan.Name)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created tenant %d (%s) on plan %s\n", t.ID, t.Name, t.Plan.Name)
		return nil
	})
}

func runTenantShow(cmd *cobra.Command, args []string) error {
	id, err := parseTenantID(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		t, err := store.Tenant(ctx, id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "ID:       %d\n", t.ID)
		_, _ = fmt.Fprintf(out, "Name:     %s\n", t.Name)
		_, _ = fmt.Fprintf(out, "Plan:     %s\n", t.Plan.Name)
		_, _ = fmt.Fprintf(out, "Used:     %s\n", bytesize.Format(t.UsedBytes))
		_, _ = fmt.Fprintf(out, "Limit:    %s\n", bytesize.Format(storage.PlanLimit(t.Plan)))
		_, _ = fmt.Fprintf(out, "Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	})
}

func runTenantList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		tenants, err := store.ListTenants(ctx)
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tenants found")
			return nil
		}
		return printTenants(cmd.OutOrStdout(), tenants)
	})
}

func printTenants(out io.Writer, tenants []tenant.Tenant) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPLAN\tUSED\tLIMIT")
	for _, t := range tenants {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.Plan.Name,
			bytesize.Format(t.UsedBytes), bytesize.Format(storage.PlanLimit(t.Plan)))
	}
	return w.Flush()
}

func runTenantSetPlan(cmd *cobra.Command, args []string) error {
	id, err := parseTenantID(args[0])
	if err != nil {
		return err
	}
	plan := tenant.NormalizePlanName(args[1])
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		if err := store.SetPlan(ctx, id, plan); err != nil {
			return fmt.Errorf("set plan: %w", err)
		}
		audit.NewLogger(log.Logger).LogTenantMgmt("set_plan", id, "plan="+plan)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Tenant %d moved to plan %s\n", id, plan)
		return nil
	})
}

func runTenantReconcile(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) == 1) {
		return fmt.Errorf("give either a tenant id or --all")
	}
	var id int64
	if !all {
		var err error
		if id, err = parseTenantID(args[0]); err != nil {
			return err
		}
	}

	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		gw, err := newGateway(cfg, store, nil)
		if err != nil {
			return err
		}

		var tenants []tenant.Tenant
		if all {
			if tenants, err = store.ListTenants(ctx); err != nil {
				return err
			}
		} else {
			t, err := store.Tenant(ctx, id)
			if err != nil {
				return err
			}
			tenants = []tenant.Tenant{*t}
		}

		out := cmd.OutOrStdout()
		for _, t := range tenants {
			used, err := gw.Reconcile(ctx, t)
			if err != nil {
				return fmt.Errorf("reconcile tenant %d: %w", t.ID, err)
			}
			_, _ = fmt.Fprintf(out, "Tenant %d: %s -> %s\n", t.ID, bytesize.Format(t.UsedBytes), bytesize.Format(used))
		}
		return nil
	})
}

func runPlanList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		plans, err := store.ListPlans(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tLIMIT\tPRICE\tDESCRIPTION")
		for _, p := range plans {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d.%02d\t%s\n",
				p.Name, bytesize.Format(storage.PlanLimit(p)), p.Price/100, p.Price%100, p.Description)
		}
		return w.Flush()
	})
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetInt64("tenant")
	if id <= 0 {
		return fmt.Errorf("invalid tenant id %d", id)
	}
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, store tenant.Store) error {
		if _, err := store.Tenant(ctx, id); err != nil {
			return err
		}
		issuer, err := auth.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		token, err := issuer.Issue(id)
		if err != nil {
			return err
		}
		audit.NewLogger(log.Logger).LogAuth(id, "token_issue", audit.ResultAllowed, "", "cli")
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	})
}
