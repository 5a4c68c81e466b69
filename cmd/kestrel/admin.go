package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}
	cmd.AddCommand(adminCreateCmd())
	return cmd
}

type adminOptions struct {
	email    string
	password string
	username string
	country  string
}

func adminCreateCmd() *cobra.Command {
	var opts adminOptions

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator, or promote an existing user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := repository.New(cfg.Repository)
			if err != nil {
				return fmt.Errorf("failed to initialize repository: %w", err)
			}
			defer repo.Close()

			user, created, err := ensureAdmin(cmd.Context(), repo, opts, time.Now().UTC())
			if err != nil {
				return err
			}

			action := "promoted"
			if created {
				action = "created"
			}
			slog.Info("administrator "+action, "user_id", user.ID, "email", user.Email)
			cmd.Printf("administrator %s: %s (%s)\n", action, user.Email, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.email, "email", "", "administrator email (required)")
	cmd.Flags().StringVar(&opts.password, "password", "", "password; required for a new account, resets an existing one")
	cmd.Flags().StringVar(&opts.username, "username", "admin", "username for a new account")
	cmd.Flags().StringVar(&opts.country, "country", "", "home country for a new account")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// ensureAdmin creates an admin account or promotes the existing user with that email.
func ensureAdmin(ctx context.Context, repo domain.Repository, opts adminOptions, now time.Time) (*domain.User, bool, error) {
	email, err := api.NormalizeEmail(opts.email)
	if err != nil {
		return nil, false, err
	}
	if opts.password != "" && len(opts.password) < 6 {
		return nil, false, errors.New("password must be at least 6 characters")
	}

	user, err := repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		user.Role = domain.RoleAdmin
		if opts.password != "" {
			if user.PasswordHash, err = auth.HashPassword(opts.password); err != nil {
				return nil, false, err
			}
		}
		user.UpdatedAt = now
		if err := repo.UpdateUser(ctx, user); err != nil {
			return nil, false, fmt.Errorf("failed to promote user: %w", err)
		}
		return user, false, nil

	case errors.Is(err, repository.ErrNotFound):
		if opts.password == "" {
			return nil, false, errors.New("--password is required for a new account")
		}
		hash, err := auth.HashPassword(opts.password)
		if err != nil {
			return nil, false, err
		}
		user = &domain.User{
			ID:           uuid.New().String(),
			Email:        email,
			PasswordHash: hash,
			Username:     opts.username,
			Country:      opts.country,
			Role:         domain.RoleAdmin,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := repo.CreateUser(ctx, user); err != nil {
			return nil, false, fmt.Errorf("failed to create administrator: %w", err)
		}
		return user, true, nil

	default:
		return nil, false, fmt.Errorf("failed to look up user: %w", err)
	}
}
