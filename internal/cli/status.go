package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Comprueba el backend y la sesión local",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := a.session.Client()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API:     %s\n", client.BaseURL())

			health, err := client.Health(cmd.Context())
			if err != nil {
				a.logger.Debug("health check failed", "error", err)
				health = "unreachable"
			}
			fmt.Fprintf(out, "Backend: %s\n", health)

			state := "no autenticado"
			if a.session.Authenticated() {
				state = "autenticado"
			}
			fmt.Fprintf(out, "Sesión:  %s\n", state)
			if err != nil {
				return fmt.Errorf("backend unavailable: %w", err)
			}
			return nil
		},
	}
}
