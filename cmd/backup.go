package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/services"
)

var (
	backupOutput     string
	restoreReplace   bool
	restoreAllModels bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export classrooms, students and face vectors to a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		backup, err := services.NewFaceBackupService(s.students, s.embeddings, nil).Backup()
		if err != nil {
			return err
		}

		out := backupOutput
		if out == "" {
			out = fmt.Sprintf("face_data_backup_%s.json", time.Unix(backup.CreatedAt, 0).Format("20060102_150405"))
		}
		var w io.Writer = os.Stdout
		if out != "-" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			defer f.Close()
			w = f
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(backup); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
		if out != "-" {
			fmt.Fprintf(os.Stderr, "Backed up %d student(s) in %d classroom(s) to %s\n", backup.TotalStudents, len(backup.Classrooms), out)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup.json>",
	Short: "Import a backup; vectors of other models or dimensions are rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var backup services.FaceBackup
		if err := json.Unmarshal(data, &backup); err != nil {
			return fmt.Errorf("invalid backup file %s: %w", args[0], err)
		}

		opts := services.RestoreOptions{Replace: restoreReplace}
		if !restoreAllModels {
			extractor, closeFn := selectExtractor(cfg)
			opts.ModelVersion = extractor.ModelVersion()
			opts.Dimension = extractor.Dimension()
			if closeFn != nil {
				closeFn()
			}
		}

		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := services.NewFaceBackupService(s.students, s.embeddings, nil).Restore(&backup, opts)
		if err != nil {
			return err
		}
		printRestoreReport(os.Stdout, report)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file, - for stdout (default face_data_backup_<time>.json)")
	restoreCmd.Flags().BoolVar(&restoreReplace, "replace", false, "Delete a student's stored vectors of a restored model first")
	restoreCmd.Flags().BoolVar(&restoreAllModels, "all-models", false, "Accept vectors of every model, not only EMBEDDING_MODEL")
	rootCmd.AddCommand(backupCmd, restoreCmd)
}

func printRestoreReport(w io.Writer, report *services.RestoreReport) {
	fmt.Fprintf(w, "Restored %d vector(s), replaced %d, created %d classroom(s) and %d student(s)\n",
		report.Restored, report.Replaced, report.ClassroomsCreated, report.StudentsCreated)
	if len(report.Rejected) == 0 {
		return
	}
	fmt.Fprintf(w, "Rejected %d vector(s):\n", len(report.Rejected))
	for _, r := range report.Rejected {
		fmt.Fprintf(w, "  %s/%s %s: %s", r.Classroom, r.StudentNumber, r.ModelVersion, r.Reason)
		if r.Detail != "" {
			fmt.Fprintf(w, " (%s)", r.Detail)
		}
		fmt.Fprintln(w)
	}
}
