package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/curlara/internal/auth/credential"
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/entitlement"
	"github.com/smallbiznis/curlara/internal/identity"
	"github.com/smallbiznis/curlara/internal/observability"
	"github.com/smallbiznis/curlara/internal/payment"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	"github.com/smallbiznis/curlara/pkg/db"
	"github.com/smallbiznis/curlara/pkg/db/pagination"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func unresolvedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unresolved",
		Short: "Inspect and resolve paid events without an attributable user",
	}
	cmd.AddCommand(unresolvedListCmd())
	cmd.AddCommand(unresolvedResolveCmd())
	return cmd
}

// withPaymentService starts the payment graph without the HTTP server.
func withPaymentService(cmd *cobra.Command, fn func(svc *paymentservice.Service) error) error {
	var svc *paymentservice.Service
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		credential.Module,
		identity.Module,
		entitlement.Module,
		payment.Module,
		fx.Populate(&svc),
	)
	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop(ctx)

	return fn(svc)
}

func unresolvedListCmd() *cobra.Command {
	var (
		all      bool
		asJSON   bool
		pageSize int
		token    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved payments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPaymentService(cmd, func(svc *paymentservice.Service) error {
				resp, err := svc.ListUnresolved(cmd.Context(), paymentdomain.ListUnresolvedRequest{
					Page:            pagination.Pagination{PageToken: token, PageSize: pageSize},
					IncludeResolved: all,
				})
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(resp)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEVENT\tTYPE\tSOURCE\tREASON\tCREATED\tRESOLVED")
				for _, item := range resp.Items {
					resolved := "-"
					if item.ResolvedSubjectID != nil {
						resolved = *item.ResolvedSubjectID
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						item.ID, item.ProviderEventID, item.EventType, item.Source, item.Reason,
						item.CreatedAt.Format(time.RFC3339), resolved,
					)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if resp.PageInfo != nil && resp.PageInfo.HasMore {
					fmt.Fprintf(cmd.OutOrStdout(), "next page: --page-token %s\n", resp.PageInfo.NextPageToken)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().IntVarP(&pageSize, "limit", "n", pagination.DefaultPageSize, "page size")
	cmd.Flags().StringVar(&token, "page-token", "", "continue from a previous page")
	return cmd
}

func unresolvedResolveCmd() *cobra.Command {
	var (
		userID     string
		email      string
		resolvedBy string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Attribute an unresolved payment to a user and grant access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snowflake.ParseString(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}

			return withPaymentService(cmd, func(svc *paymentservice.Service) error {
				req := paymentservice.ResolveRequest{SubjectID: userID, ResolvedBy: resolvedBy}
				if email != "" {
					req.Email = &email
				}
				result, err := svc.ResolveUnresolved(cmd.Context(), id, req)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s -> %s (profile=%t access=%t)\n",
					result.Payment.ID, userID, result.Write.Profile.Updated, result.Write.Access.Updated)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "user to attribute the payment to")
	cmd.Flags().StringVar(&email, "email", "", "email used when the access row is keyed by email")
	cmd.Flags().StringVar(&resolvedBy, "resolved-by", "cli", "operator recorded on the entry")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
