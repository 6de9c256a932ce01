package services

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/camden-git/attendancebackend/models"
)

// ExportSession writes a ZIP archive of a session to w: attendance.csv holds the
// current decision per roster student, decisions_log.csv every revision.
func (r *AttendanceRecorder) ExportSession(w io.Writer, sessionID string) error {
	session, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	roster, err := r.roster.ListIdentities(session.ClassroomID)
	if err != nil {
		return fmt.Errorf("failed to load roster for classroom %d: %w", session.ClassroomID, err)
	}
	current, err := r.store.ListCurrentDecisions(sessionID)
	if err != nil {
		return err
	}
	all, err := r.store.ListDecisions(sessionID)
	if err != nil {
		return err
	}

	names := make(map[uint]models.RosterEntry, len(roster))
	for _, e := range roster {
		names[e.StudentID] = e
	}

	zipWriter := zip.NewWriter(w)

	sheet, err := zipWriter.Create("attendance.csv")
	if err != nil {
		return fmt.Errorf("failed to create attendance.csv entry: %w", err)
	}
	if err := writeAttendanceSheet(sheet, roster, current); err != nil {
		return err
	}

	logFile, err := zipWriter.Create("decisions_log.csv")
	if err != nil {
		return fmt.Errorf("failed to create decisions_log.csv entry: %w", err)
	}
	if err := writeDecisionLog(logFile, names, all); err != nil {
		return err
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize export for session %s: %w", sessionID, err)
	}
	log.Printf("attendance: exported session %s (%d current, %d revisions)", sessionID, len(current), len(all))
	return nil
}

func writeAttendanceSheet(w io.Writer, roster []models.RosterEntry, current []models.AttendanceDecision) error {
	byStudent := make(map[uint]models.AttendanceDecision, len(current))
	unknown := 0
	for _, d := range current {
		if d.StudentID == nil {
			unknown++
			continue
		}
		byStudent[*d.StudentID] = d
	}

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"student_number", "name", "status", "decision_source", "similarity", "decided_at", "revision"})
	for _, e := range roster {
		d, ok := byStudent[e.StudentID]
		if !ok {
			_ = cw.Write([]string{e.StudentNumber, e.Name, "", "", "", "", ""})
			continue
		}
		_ = cw.Write([]string{
			e.StudentNumber,
			e.Name,
			string(d.Status),
			string(d.DecisionSource),
			strconv.FormatFloat(float64(d.Similarity), 'f', 4, 32),
			formatUnix(d.DecidedAt),
			strconv.Itoa(d.Revision),
		})
	}
	if unknown > 0 {
		_ = cw.Write([]string{"", fmt.Sprintf("%d unrecognised face(s)", unknown), string(models.StatusUnknown), "", "", "", ""})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write attendance.csv: %w", err)
	}
	return nil
}

func writeDecisionLog(w io.Writer, names map[uint]models.RosterEntry, all []models.AttendanceDecision) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"decision_id", "student_number", "status", "decision_source", "similarity", "decided_at", "revision", "superseded", "previous_id", "actor", "reason"})
	for _, d := range all {
		number := ""
		if d.StudentID != nil {
			number = names[*d.StudentID].StudentNumber
		}
		previous := ""
		if d.PreviousID != nil {
			previous = strconv.FormatUint(uint64(*d.PreviousID), 10)
		}
		_ = cw.Write([]string{
			strconv.FormatUint(uint64(d.ID), 10),
			number,
			string(d.Status),
			string(d.DecisionSource),
			strconv.FormatFloat(float64(d.Similarity), 'f', 4, 32),
			formatUnix(d.DecidedAt),
			strconv.Itoa(d.Revision),
			strconv.FormatBool(d.Superseded),
			previous,
			d.Actor,
			d.Reason,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write decisions_log.csv: %w", err)
	}
	return nil
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
