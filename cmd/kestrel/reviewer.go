package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func reviewerCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "reviewer",
		Short: "Manage reviewer API keys",
	}
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "default", "tenant the reviewer belongs to")

	// withManager opens the store for one command.
	withManager := func(fn func(m *auth.Manager) error) error {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return err
		}
		defer repo.Close()
		return fn(auth.NewManager(repo))
	}

	var role string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a reviewer and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withManager(func(m *auth.Manager) error {
				raw, rv, err := m.Register(cmd.Context(), tenant, args[0], r)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered %s (%s) as %s\n", rv.Name, rv.ID, rv.Role)
				fmt.Fprintf(out, "API key: %s\n", raw)
				fmt.Fprintln(out, "The key is not stored and cannot be shown again.")
				return nil
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(domain.RoleViewer), "viewer, auditor or admin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's reviewers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(func(m *auth.Manager) error {
				reviewers, err := m.List(cmd.Context(), tenant)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(reviewers) == 0 {
					fmt.Fprintln(out, "No reviewers.")
					return nil
				}
				table := newTable(out, []string{"ID", "Name", "Role", "Revoked", "Created"})
				for _, rv := range reviewers {
					table.Append([]string{rv.ID, rv.Name, string(rv.Role), fmt.Sprint(rv.Revoked), rv.CreatedAt.Format("2006-01-02")})
				}
				table.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Disable a reviewer's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *auth.Manager) error {
				if err := m.Revoke(cmd.Context(), tenant, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, revoke)
	return cmd
}
