package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/tenant-gateway/internal/tenant"
)

// withTenants runs fn against the same lifecycle service the admin API uses.
func withTenants(cmd *cobra.Command, fn func(svc *tenant.Service) error) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := connectPostgres(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(tenant.NewService(tenant.NewPostgresStore(pool), tenant.NewSchemaManager(pool, logger), logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and their storage partitions",
	}
	cmd.AddCommand(
		newTenantCreateCmd(),
		newTenantListCmd(),
		newTenantGetCmd(),
		newTenantProvisionCmd(),
		newTenantDropCmd(),
	)
	return cmd
}

func newTenantCreateCmd() *cobra.Command {
	var (
		name   string
		limits tenant.Limits
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant and provision its partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenants(cmd, func(svc *tenant.Service) error {
				t, err := svc.Create(cmd.Context(), tenant.CreateInput{Name: name, Limits: limits})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable tenant name")
	cmd.Flags().IntVar(&limits.RateLimitRPS, "rps", 0, "requests per second ceiling (0 = unlimited)")
	cmd.Flags().Int64Var(&limits.MonthlyQuota, "monthly-quota", 0, "monthly request quota (0 = unlimited)")
	cmd.Flags().IntVar(&limits.MaxCredentials, "max-credentials", 0, "maximum active API keys (0 = unlimited)")
	cmd.Flags().StringSliceVar(&limits.AllowedCIDRs, "allow-cidr", nil, "client network allowed to call the gateway (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenants(cmd, func(svc *tenant.Service) error {
				ts, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ts)
			})
		},
	}
}

func newTenantGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Show one tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenants(cmd, func(svc *tenant.Service) error {
				t, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func newTenantProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision <tenant-id>",
		Short: "Finish provisioning a tenant whose partition setup was interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenants(cmd, func(svc *tenant.Service) error {
				p, err := svc.Provision(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func newTenantDropCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop <tenant-id>",
		Short: "Irreversibly drop a tenant and its partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("drop destroys every record of tenant %s; rerun with --yes to confirm", args[0])
			}
			return withTenants(cmd, func(svc *tenant.Service) error {
				if err := svc.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s dropped\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible drop")
	return cmd
}
