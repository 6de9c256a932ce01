package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/services"
)

var identifyClassroom uint

var identifyCmd = &cobra.Command{
	Use:   "identify <image>",
	Short: "Detect and identify every face in a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := media.LoadImage(args[0])
		if err != nil {
			return err
		}

		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		e, err := newEngine(cfg, s)
		if err != nil {
			return err
		}
		defer e.Close()

		var classroomID *uint
		if cmd.Flags().Changed("classroom") {
			classroomID = &identifyClassroom
		}
		matches, err := e.recognition.DetectAndRecognize(cmd.Context(), img, classroomID)
		if err != nil {
			return err
		}
		printMatches(matches, e.recognition.ModelVersion())
		return nil
	},
}

func init() {
	identifyCmd.Flags().UintVarP(&identifyClassroom, "classroom", "c", 0, "Limit candidates to this classroom")
	rootCmd.AddCommand(identifyCmd)
}

func printMatches(matches []services.FaceMatch, model string) {
	fmt.Fprintf(os.Stdout, "%d face(s), model %s\n", len(matches), model)
	for i, m := range matches {
		b := m.Face.Box
		who := "unknown"
		if m.Result.Matched && m.Result.IdentityID != nil {
			who = fmt.Sprintf("student %d", *m.Result.IdentityID)
		}
		note := string(m.Result.Outcome)
		if m.Duplicate {
			note += ", duplicate"
		}
		if m.Error != "" {
			note += ", " + m.Error
		}
		fmt.Fprintf(os.Stdout, "  #%d [%d,%d %dx%d] conf %.2f quality %.2f -> %s (similarity %.3f, %s)\n",
			i+1, b.Left, b.Top, b.Width(), b.Height(), m.Face.Confidence, m.Quality, who, m.Result.Similarity, note)
	}
}
