package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/services"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check stored embeddings for dimension, norm and finiteness problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		audit, err := services.AuditEmbeddings(s.embeddings)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(audit)
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
