package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/spf13/cobra"
)

// NewProductsCommand lists the store's availability.
func NewProductsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "products [product-id]",
		Short: "Show authoritative availability",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient("")
			if err != nil {
				return err
			}
			out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			var list []models.Availability
			if len(args) == 1 {
				a, err := c.Product(ctx, args[0])
				if err != nil {
					out.Failure(err)
					return serviceError("failed to fetch product", err)
				}
				list = []models.Availability{*a}
			} else if list, err = c.Products(ctx); err != nil {
				return serviceError("failed to list products", err)
			}
			return out.Result(list, func(w io.Writer) { printAvailability(w, list) })
		},
	}
}

func quantityArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid quantity %q", s))
	}
	return n, nil
}

// mutation runs one reserve-style call as the register's identity.
func mutation(opts *RootOptions, cmd *cobra.Command, call func(ctx context.Context, c *client.Client) (*models.ReservationResult, error)) error {
	c, log, err := opts.openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer log.Close()

	out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
	res, err := call(cmd.Context(), c)
	if err != nil {
		out.Failure(err)
		return serviceError("request rejected", err)
	}
	return out.Result(res, func(w io.Writer) { printResult(w, res) })
}

// NewReserveCommand holds stock without a cart.
func NewReserveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <product-id> <quantity>",
		Short: "Reserve stock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := quantityArg(args[1])
			if err != nil {
				return err
			}
			return mutation(opts, cmd, func(ctx context.Context, c *client.Client) (*models.ReservationResult, error) {
				return c.Reserve(ctx, args[0], qty)
			})
		},
	}
}

func NewReleaseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <product-id> <quantity>",
		Short: "Release reserved stock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := quantityArg(args[1])
			if err != nil {
				return err
			}
			return mutation(opts, cmd, func(ctx context.Context, c *client.Client) (*models.ReservationResult, error) {
				return c.Release(ctx, args[0], qty)
			})
		},
	}
}

func NewAdjustCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "adjust <product-id> <from> <to>",
		Short: "Move a hold from one quantity to another",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := quantityArg(args[1])
			if err != nil {
				return err
			}
			to, err := quantityArg(args[2])
			if err != nil {
				return err
			}
			return mutation(opts, cmd, func(ctx context.Context, c *client.Client) (*models.ReservationResult, error) {
				return c.Adjust(ctx, args[0], from, to)
			})
		},
	}
}

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret  string
	Subject string
	Role    string
	TTL     time.Duration
}

// NewTokenCommand signs a bearer token for local testing.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the service secret",
		Long: `Sign a bearer token with the service's JWT secret.

Examples:
  register token --subject till-3 --role cashier --store s1
  register token --subject ops --role admin --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				return NewExitError(ExitCommandError, "--secret or JWT_SECRET is required")
			}
			if opts.Subject == "" {
				return NewExitError(ExitCommandError, "--subject is required")
			}
			switch opts.Role {
			case auth.RoleCustomer, auth.RoleCashier, auth.RoleAdmin:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown role %q", opts.Role))
			}

			id := auth.Identity{Subject: opts.Subject, Role: opts.Role, StoreID: opts.StoreID}
			tok, err := auth.NewValidator(opts.Secret).Sign(id, opts.TTL)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to sign token", err)
			}
			out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Result(map[string]string{"token": tok, "actor_id": auth.ActorID(id, opts.StoreID)}, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "token subject (user or till id)")
	cmd.Flags().StringVar(&opts.Role, "role", auth.RoleCashier, "customer, cashier or admin")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 12*time.Hour, "token lifetime")

	return cmd
}
