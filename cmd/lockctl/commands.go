package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"resource-locks/internal/domain"
	http_infra "resource-locks/internal/infra/http"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serverKey  = "server"
	scopeKey   = "scope"
	timeoutKey = "timeout"
	jsonKey    = "json"
)

// cli carries the settings resolved from flags and LOCKCTL_* variables.
type cli struct {
	v *viper.Viper
}

func (c *cli) admin() (domain.LockAdmin, error) {
	scope := c.v.GetString(scopeKey)
	if scope != http_infra.ScopeLocal && scope != http_infra.ScopeCluster {
		return nil, fmt.Errorf("scope must be %q or %q, got %q", http_infra.ScopeLocal, http_infra.ScopeCluster, scope)
	}
	client := &http.Client{
		Timeout:   c.v.GetDuration(timeoutKey),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return http_infra.NewAdminClient(c.v.GetString(serverKey), scope, client), nil
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.v.GetDuration(timeoutKey))
}

func (c *cli) print(w io.Writer, values []string) error {
	if c.v.GetBool(jsonKey) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]string{"values": values})
	}
	for _, v := range values {
		if _, err := fmt.Fprintln(w, v); err != nil {
			return err
		}
	}
	return nil
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := v.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "lockctl",
		Short:         "Inspect and manage resource locks on a running node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(serverKey, "http://127.0.0.1:8080", "node admin base URL")
	flags.String(scopeKey, http_infra.ScopeCluster, "query scope (local|cluster)")
	flags.Duration(timeoutKey, 10*time.Second, "request timeout")
	flags.Bool(jsonKey, false, "print results as JSON")

	mustBindFlag(c.v, serverKey, "LOCKCTL_SERVER", flags.Lookup(serverKey))
	mustBindFlag(c.v, scopeKey, "LOCKCTL_SCOPE", flags.Lookup(scopeKey))
	mustBindFlag(c.v, timeoutKey, "LOCKCTL_TIMEOUT", flags.Lookup(timeoutKey))
	mustBindFlag(c.v, jsonKey, "LOCKCTL_JSON", flags.Lookup(jsonKey))

	cmd.AddCommand(
		newResourcesCommand(c),
		newQueryCommand(c, "owners RESOURCE", "List callers holding a resource", domain.LockAdmin.FindOwningCallers),
		newQueryCommand(c, "waiters RESOURCE", "List callers waiting for a resource", domain.LockAdmin.FindWaitingCallers),
		newQueryCommand(c, "owned CALLER", "List resources a caller holds", domain.LockAdmin.FindOwnedResources),
		newQueryCommand(c, "waited CALLER", "List resources a caller waits for", domain.LockAdmin.FindWaitedResources),
		newReleaseCommand(c),
	)
	return cmd
}

func newResourcesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List resource names with live locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := c.admin()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			values, err := admin.ListResourceNames(ctx)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), values)
		},
	}
}

func newQueryCommand(c *cli, use, short string, query func(domain.LockAdmin, context.Context, string) ([]string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := c.admin()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			values, err := query(admin, ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), values)
		},
	}
}

func newReleaseCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "release RESOURCE",
		Short: "Force-release every hold on a resource",
		Long:  "Force-release unwinds every shared and exclusive hold on the resource, whoever owns it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := c.admin()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := admin.ReleaseResource(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "released", args[0])
			return err
		},
	}
}
