package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/handlers"
)

var hashTokenCmd = &cobra.Command{
	Use:         "hash-token <token>",
	Short:       "Print the bcrypt hash of an admin token for ADMIN_TOKEN_HASH",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"skip-config": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := handlers.HashAdminToken(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
