package cmd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/services"
	"github.com/camden-git/attendancebackend/workers"
)

func newPrompter(input string) (*prompter, *bytes.Buffer) {
	var out bytes.Buffer
	return &prompter{console: &consoleLock{}, in: bufio.NewReader(strings.NewReader(input)), out: &out}, &out
}

func TestPrompterAnswers(t *testing.T) {
	t.Parallel()
	entry := models.RosterEntry{StudentID: 1, StudentNumber: "7", Name: "Ada"}
	existing := models.FaceEmbedding{ModelVersion: "geo-v1", QualityScore: 0.8}

	p, out := newPrompter("maybe\nu\ns\n\n")
	assert.Equal(t, workers.ConflictUpdate, p.decide(entry, existing))
	assert.Equal(t, workers.ConflictSkip, p.decide(entry, existing))
	assert.Equal(t, workers.ConflictSkip, p.decide(entry, existing))
	assert.Equal(t, 4, strings.Count(out.String(), "Replace it?"))
	assert.Contains(t, out.String(), "Ada (7)")
}

func TestPrompterStickyAnswers(t *testing.T) {
	t.Parallel()
	entry := models.RosterEntry{StudentID: 1}

	p, _ := newPrompter("a\n")
	assert.Equal(t, workers.ConflictUpdate, p.decide(entry, models.FaceEmbedding{}))
	assert.Equal(t, workers.ConflictUpdate, p.decide(entry, models.FaceEmbedding{}))

	p, _ = newPrompter("")
	assert.Equal(t, workers.ConflictSkip, p.decide(entry, models.FaceEmbedding{}))
	assert.Equal(t, workers.ConflictSkip, p.decide(entry, models.FaceEmbedding{}))
}

func TestPrintSummaryListsFailures(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printSummary(&buf, workers.BatchSummary{
		BatchID: "b", Total: 2, Processed: 2, Saved: 1, Failed: 1, HadFailures: true,
		Items: []workers.ItemOutcome{
			{StudentNumber: "1", Name: "Ok", State: workers.ItemSaved},
			{StudentNumber: "2", Name: "Blurry", State: workers.ItemFailed, Reason: workers.ReasonNoFace},
		},
	})
	assert.Contains(t, buf.String(), "2/2 processed, 1 saved")
	assert.Contains(t, buf.String(), "Blurry")
	assert.NotContains(t, buf.String(), " Ok ")
}

func TestPrintRestoreReportListsRejections(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printRestoreReport(&buf, &services.RestoreReport{
		Restored: 3,
		Rejected: []services.RestoreRejection{
			{Classroom: "8B", StudentNumber: "4", ModelVersion: "arcface-onnx", Reason: services.RejectModelMismatch, Detail: "expected geo-v1"},
		},
	})
	assert.Contains(t, buf.String(), "Restored 3 vector(s)")
	assert.Contains(t, buf.String(), "8B/4 arcface-onnx: model_mismatch (expected geo-v1)")
}
