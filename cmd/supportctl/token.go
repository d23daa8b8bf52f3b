package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
	"supportchat/internal/service"
)

// newTokenCommand signs a token with the server's JWT settings, read from the
// same environment the server uses. Meant for local development.
func newTokenCommand() *cobra.Command {
	var (
		userID int64
		role   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
			}

			auth := service.NewAuthService(cfg.JWT, zap.NewNop())
			tokens, err := auth.GenerateToken(domain.Actor{UserID: userID, Role: domain.UserRole(role)})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), tokens.AccessToken)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "user id to embed")
	cmd.Flags().StringVar(&role, "role", string(domain.UserRoleUser), "user or specialist")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}
