//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/testutil/testdb"
)

func TestGradingSchemaAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	handle, err := testdb.Start(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer handle.Close()
	db := handle.DB

	seed := []string{
		`INSERT INTO classes (id, code, name) VALUES ('class-1', 'PHY-A', 'Physics A')`,
		`INSERT INTO students (id, full_name) VALUES ('stu-1', 'Ada Lovelace')`,
		`INSERT INTO terms (id, name, academic_year, start_date, end_date, is_active) VALUES ('term-1', 'Fall', '2026/2027', '2026-08-01', '2026-12-20', TRUE)`,
		`INSERT INTO topics (id, class_id, title) VALUES ('topic-1', 'class-1', 'Kinematics')`,
		`INSERT INTO activities (id, class_id, topic_id, title, is_gradable, max_score, weightage) VALUES ('act-1', 'class-1', 'topic-1', 'Lab 1', TRUE, 50, 2)`,
	}
	for _, stmt := range seed {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	grades := NewActivityGradeRepository(db)
	score := 40.0
	require.NoError(t, grades.Create(ctx, &models.ActivityGrade{ActivityID: "act-1", StudentID: "stu-1", Score: &score, Status: models.ActivityGradeGraded}))
	err = grades.Create(ctx, &models.ActivityGrade{ActivityID: "act-1", StudentID: "stu-1", Status: models.ActivityGradeSubmitted})
	assert.ErrorIs(t, err, ErrDuplicate)

	scored, err := grades.ListScoredForStudent(ctx, "stu-1", "class-1")
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, 80.0, scored[0].NormalizedScore())
	assert.Equal(t, 2.0, scored[0].Weight())

	active, err := NewTermRepository(db).FindActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "term-1", active.ID)

	books := NewGradeBookRepository(db)
	book := &models.GradeBook{ClassID: "class-1", TermID: "term-1", CreatedByID: "admin-1"}
	require.NoError(t, books.Create(ctx, book))
	assert.ErrorIs(t, books.Create(ctx, &models.GradeBook{ClassID: "class-1", TermID: "term-1", CreatedByID: "admin-1"}), ErrDuplicate)

	rollups := NewStudentGradeRepository(db)
	rollup := &models.StudentGrade{GradeBookID: book.ID, StudentID: "stu-1"}
	require.NoError(t, rollups.Create(ctx, rollup))

	topics := NewStudentTopicGradeRepository(db)
	stored, err := topics.UpsertActivityScores(ctx, rollup.ID, map[string]float64{"topic-1": 60}, 0.7, 0.3)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 18.0, stored[0].Score)
	stored, err = topics.UpsertAssessmentScore(ctx, rollup.ID, "topic-1", 80, 0.7, 0.3)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 74.0, stored[0].Score)
	stored, err = topics.UpsertActivityScores(ctx, rollup.ID, map[string]float64{"topic-1": 200.0 / 3}, 0.7, 0.3)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 80.0, stored[0].AssessmentScore)
	assert.Equal(t, 76.0, stored[0].Score)
	stored, err = topics.UpsertActivityScores(ctx, rollup.ID, nil, 0.5, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 73.33, stored[0].Score, 0.001)

	rows, err := rollups.ExportRows(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Kinematics", *rows[0].TopicTitle)

	require.NoError(t, books.Delete(ctx, book.ID))
	_, err = rollups.FindByID(ctx, rollup.ID)
	assert.Error(t, err)
}
