package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/session"
)

var (
	tokenRole      string
	tokenUserID    int64
	tokenCompanyID int64
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for testing",
	Long: `Sign a token with the configured secret. In production tokens come from the
identity service; this is for local dashboards and smoke tests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		role, err := session.ParseRole(tokenRole)
		if err != nil {
			return err
		}

		jwtService := auth.NewJWTService(cfg.Security.JWT.SecretKey, cfg.Security.JWT.Issuer, cfg.Security.JWT.ExpiryHours)
		token, err := jwtService.GenerateToken(session.Identity{
			Role:      role,
			UserID:    tokenUserID,
			CompanyID: tokenCompanyID,
		})
		if err != nil {
			return err
		}

		cmd.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(session.RoleSystemAdmin), "system_admin, company_admin or user")
	tokenCmd.Flags().Int64Var(&tokenUserID, "user", 0, "user id")
	tokenCmd.Flags().Int64Var(&tokenCompanyID, "company", 0, "company id (company_admin)")
}
