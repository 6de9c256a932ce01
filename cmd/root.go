package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/config"
)

// Version is the application version.
const Version = "0.1.0"

var (
	// cfg is loaded once in PersistentPreRunE and shared by subcommands
	cfg     config.Config
	envFile string
)

var rootCmd = &cobra.Command{
	Use:     "attendance",
	Short:   "Classroom attendance face recognition engine",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// hash-token needs no configuration
		if cmd.Annotations["skip-config"] == "true" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			log.Printf("Info: No %s file found or error loading: %v", envFile, err)
		}
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load before reading configuration")
}
