package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/realtime"
	"github.com/camden-git/attendancebackend/workers"
)

var (
	enrollClassroom  uint
	enrollOnConflict string
	enrollJSON       bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build embeddings for every student of a classroom from their reference photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd)
	},
}

func init() {
	enrollCmd.Flags().UintVarP(&enrollClassroom, "classroom", "c", 0, "Classroom id to enroll")
	enrollCmd.Flags().StringVar(&enrollOnConflict, "on-conflict", "ask", "What to do when a student already has an embedding: ask, update or skip")
	enrollCmd.Flags().BoolVar(&enrollJSON, "json", false, "Print the batch summary as JSON")

	enrollCmd.MarkFlagRequired("classroom")
	rootCmd.AddCommand(enrollCmd)
}

// consoleLock serializes the progress bar with the conflict prompt, which runs
// on the worker goroutine.
type consoleLock struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// prompter asks on the terminal about each conflict. "a" and "n" answer for
// the rest of the batch.
type prompter struct {
	console *consoleLock
	in      *bufio.Reader
	out     io.Writer
	sticky  workers.ConflictDecision
}

func (p *prompter) decide(entry models.RosterEntry, existing models.FaceEmbedding) workers.ConflictDecision {
	if p.sticky != "" {
		return p.sticky
	}
	p.console.mu.Lock()
	defer p.console.mu.Unlock()
	if p.console.bar != nil {
		p.console.bar.Clear()
	}

	stored := time.Unix(existing.CreatedAt, 0).Format("2006-01-02")
	for {
		fmt.Fprintf(p.out, "\n%s (%s) already has a %s embedding from %s (quality %.2f).\n",
			entry.Name, entry.StudentNumber, existing.ModelVersion, stored, existing.QualityScore)
		fmt.Fprint(p.out, "Replace it? [u]pdate, [s]kip, update [a]ll, skip all [n]: ")
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			// stdin closed, keep what is stored
			p.sticky = workers.ConflictSkip
			return workers.ConflictSkip
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "u", "update":
			return workers.ConflictUpdate
		case "s", "skip", "":
			return workers.ConflictSkip
		case "a":
			p.sticky = workers.ConflictUpdate
			return workers.ConflictUpdate
		case "n":
			p.sticky = workers.ConflictSkip
			return workers.ConflictSkip
		}
	}
}

func runEnroll(cmd *cobra.Command) error {
	console := &consoleLock{}
	var onConflict workers.ConflictFunc
	if strings.EqualFold(enrollOnConflict, "ask") {
		p := &prompter{console: console, in: bufio.NewReader(os.Stdin), out: os.Stderr}
		onConflict = p.decide
	} else {
		var err error
		onConflict, err = workers.ParseConflictPolicy(enrollOnConflict)
		if err != nil {
			return err
		}
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if _, err := s.students.GetClassroomByID(enrollClassroom); err != nil {
		return fmt.Errorf("classroom %d: %w", enrollClassroom, err)
	}

	e, err := newEngine(cfg, s)
	if err != nil {
		return err
	}
	defer e.Close()
	if !e.detector.Available() {
		return fmt.Errorf("no face detector could be loaded (tried %v)", e.detector.Backends())
	}

	pipeline := e.newPipeline(cfg, s, realtime.Discard)
	defer pipeline.Stop()

	progress := func(done, total int, item workers.ItemOutcome) {
		console.mu.Lock()
		defer console.mu.Unlock()
		if console.bar == nil {
			console.bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Enrolling"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("students"),
				progressbar.OptionShowElapsedTimeOnFinish(),
			)
		}
		console.bar.Set(done)
	}

	summary, err := pipeline.EnrollBatch(cmd.Context(), enrollClassroom, onConflict, workers.WithProgress(progress))
	console.mu.Lock()
	if console.bar != nil {
		console.bar.Finish()
	}
	console.mu.Unlock()
	fmt.Fprintln(os.Stderr)
	if summary.BatchID == "" && err != nil {
		return err
	}

	if enrollJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
	} else {
		printSummary(os.Stdout, summary)
	}
	if err != nil {
		return fmt.Errorf("batch %s did not complete: %w", summary.BatchID, err)
	}
	return nil
}

func printSummary(w io.Writer, s workers.BatchSummary) {
	fmt.Fprintf(w, "Batch %s: %d/%d processed, %d saved, %d updated, %d skipped, %d failed (%d dropped)\n",
		s.BatchID, s.Processed, s.Total, s.Saved, s.Updated, s.Skipped, s.Failed, s.Dropped)
	if !s.HadFailures {
		return
	}
	fmt.Fprintln(w, "Failures:")
	for _, item := range s.Items {
		if item.State == workers.ItemFailed {
			fmt.Fprintf(w, "  %-10s %-30s %s\n", item.StudentNumber, item.Name, item.Reason)
		}
	}
}
