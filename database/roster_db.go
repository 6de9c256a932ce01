package database

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/facette/natsort"

	"github.com/camden-git/attendancebackend/models"
)

// ListRoster returns the students of a classroom in natural student-number order
// (so "S2" sorts before "S10"). Ties fall back to the student id.
func ListRoster(db Querier, classroomID uint) ([]models.RosterEntry, error) {
	queryBuilder := psql.Select("id", "classroom_id", "student_number", "name", "COALESCE(reference_image_path, '')").
		From("students").
		Where(sq.Eq{"classroom_id": classroomID}).
		OrderBy("id ASC")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL for ListRoster: %w", err)
	}

	rows, err := db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query roster for classroom %d: %w", classroomID, err)
	}
	defer rows.Close()

	var roster []models.RosterEntry
	for rows.Next() {
		var e models.RosterEntry
		if err := rows.Scan(&e.StudentID, &e.ClassroomID, &e.StudentNumber, &e.Name, &e.ReferenceImagePath); err != nil {
			return nil, fmt.Errorf("failed to scan roster row: %w", err)
		}
		roster = append(roster, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roster rows: %w", err)
	}

	sort.SliceStable(roster, func(i, j int) bool {
		a, b := roster[i].StudentNumber, roster[j].StudentNumber
		if a == b {
			return roster[i].StudentID < roster[j].StudentID
		}
		return natsort.Compare(a, b)
	})
	return roster, nil
}

// StudentIDsForClassroom is a light variant of ListRoster used to scope candidate pools.
func StudentIDsForClassroom(db Querier, classroomID uint) ([]uint, error) {
	sqlStr, args, err := psql.Select("id").
		From("students").
		Where(sq.Eq{"classroom_id": classroomID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL for StudentIDsForClassroom: %w", err)
	}

	rows, err := db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query student ids for classroom %d: %w", classroomID, err)
	}
	defer rows.Close()

	var ids []uint
	for rows.Next() {
		var id uint
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
