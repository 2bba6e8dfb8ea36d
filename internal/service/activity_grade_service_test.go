package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

type activityGradeFixture struct {
	store      *fakeActivityGradeStore
	recomputer *fakeRecomputer
	service    *ActivityGradeService
}

func newActivityGradeFixture() *activityGradeFixture {
	f := &activityGradeFixture{store: newFakeActivityGradeStore(), recomputer: &fakeRecomputer{}}
	activities := &fakeActivityReader{activities: map[string]models.Activity{
		"quiz-1":  {ID: "quiz-1", ClassID: "class-1", TopicID: ptrString("topic-1"), IsGradable: true, MaxScore: ptrFloat(100)},
		"lab-1":   {ID: "lab-1", ClassID: "class-1", IsGradable: true, MaxScore: ptrFloat(20)},
		"notes-1": {ID: "notes-1", ClassID: "class-1", IsGradable: false},
		"essay-1": {ID: "essay-1", ClassID: "class-1", IsGradable: true},
	}}
	students := &fakeStudentReader{students: map[string]models.Student{
		"s-1": {ID: "s-1", FullName: "Ada Lovelace"},
		"s-2": {ID: "s-2", FullName: "Alan Turing"},
		"s-3": {ID: "s-3", FullName: "Grace Hopper"},
	}}
	f.service = NewActivityGradeService(f.store, activities, students, f.recomputer, nil, nil, zap.NewNop())
	fixed := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return fixed }
	return f
}

func TestCreateActivityGrade(t *testing.T) {
	f := newActivityGradeFixture()
	result, err := f.service.Create(context.Background(), CreateActivityGradeRequest{
		ActivityID:  "quiz-1",
		StudentID:   "s-1",
		Score:       ptrFloat(88),
		Feedback:    ptrString("well argued"),
		Attachments: json.RawMessage(`[{"name":"quiz.pdf"}]`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Grade.ID)
	assert.Equal(t, models.ActivityGradeGraded, result.Grade.Status)
	require.NotNil(t, result.Grade.GradedAt)
	assert.True(t, result.Grade.Attachments.Valid)
	assert.Equal(t, models.AggregateUpdated, result.Outcome.Status)
	require.Len(t, f.recomputer.calls, 1)
	assert.Equal(t, recomputeCall{studentID: "s-1", classID: "class-1"}, f.recomputer.calls[0])
}

func TestCreateActivityGradeWithoutScoreIsSubmitted(t *testing.T) {
	f := newActivityGradeFixture()
	result, err := f.service.Create(context.Background(), CreateActivityGradeRequest{
		ActivityID: "notes-1",
		StudentID:  "s-1",
		Content:    ptrString("my reflection"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActivityGradeSubmitted, result.Grade.Status)
	assert.Nil(t, result.Grade.GradedAt)
	assert.Nil(t, result.Grade.Score)
}

func TestCreateActivityGradeErrors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		req  CreateActivityGradeRequest
		want *appErrors.Error
	}{
		{"unknown activity", CreateActivityGradeRequest{ActivityID: "missing", StudentID: "s-1", Score: ptrFloat(10)}, appErrors.ErrNotFound},
		{"unknown student", CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-404"}, appErrors.ErrNotFound},
		{"score above max", CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Score: ptrFloat(150)}, appErrors.ErrBadRequest},
		{"score above lab max", CreateActivityGradeRequest{ActivityID: "lab-1", StudentID: "s-1", Score: ptrFloat(20.5)}, appErrors.ErrBadRequest},
		{"negative score", CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Score: ptrFloat(-1)}, appErrors.ErrBadRequest},
		{"NaN score", CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Score: ptrFloat(math.NaN())}, appErrors.ErrBadRequest},
		{"infinite score", CreateActivityGradeRequest{ActivityID: "essay-1", StudentID: "s-1", Score: ptrFloat(math.Inf(1))}, appErrors.ErrBadRequest},
		{"not gradable", CreateActivityGradeRequest{ActivityID: "notes-1", StudentID: "s-1", Score: ptrFloat(0)}, appErrors.ErrBadRequest},
		{"missing student id", CreateActivityGradeRequest{ActivityID: "quiz-1"}, appErrors.ErrValidation},
		{"unknown status", CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Status: "LOST"}, appErrors.ErrValidation},
		{"bad attachments", CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Attachments: json.RawMessage(`{oops`)}, appErrors.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newActivityGradeFixture()
			_, err := f.service.Create(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Empty(t, f.store.grades)
			assert.Empty(t, f.recomputer.calls)
		})
	}
}

func TestCheckScoreRejectsNonFiniteScores(t *testing.T) {
	activity := &models.Activity{ID: "quiz-1", IsGradable: true, MaxScore: ptrFloat(100)}
	for _, score := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := checkScore(activity, score, "s-1")
		assert.True(t, errors.Is(err, appErrors.ErrBadRequest), "score %v", score)
	}
	assert.NoError(t, checkScore(activity, 100, "s-1"))
}

func TestCreateActivityGradeDefaultsMaxScore(t *testing.T) {
	f := newActivityGradeFixture()
	_, err := f.service.Create(context.Background(), CreateActivityGradeRequest{ActivityID: "essay-1", StudentID: "s-1", Score: ptrFloat(100)})
	require.NoError(t, err)
	_, err = f.service.Create(context.Background(), CreateActivityGradeRequest{ActivityID: "essay-1", StudentID: "s-2", Score: ptrFloat(101)})
	assert.True(t, errors.Is(err, appErrors.ErrBadRequest))
}

func TestCreateActivityGradeDuplicateIsConflict(t *testing.T) {
	f := newActivityGradeFixture()
	req := CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Score: ptrFloat(70)}

	_, err := f.service.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = f.service.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	assert.Len(t, f.store.grades, 1)
	assert.Len(t, f.recomputer.calls, 1)
}

func TestGetActivityGrade(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.put(models.ActivityGrade{ActivityID: "quiz-1", StudentID: "s-1", Status: models.ActivityGradeSubmitted})

	grade, err := f.service.Get(context.Background(), "quiz-1", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", grade.StudentID)

	_, err = f.service.Get(context.Background(), "quiz-1", "s-2")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestListActivityGradesPagination(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.put(models.ActivityGrade{ActivityID: "quiz-1", StudentID: "s-1"})
	f.store.listTotal = 25

	items, pagination, err := f.service.List(context.Background(), models.ActivityGradeFilter{ActivityID: "quiz-1", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, pagination.Page)
	assert.Equal(t, 25, pagination.TotalCount)
	assert.True(t, pagination.HasNextPage)
	assert.True(t, pagination.HasPreviousPage)

	items, pagination, err = f.service.List(context.Background(), models.ActivityGradeFilter{ActivityID: "lab-1"})
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Equal(t, 20, pagination.PageSize)

	_, _, err = f.service.List(context.Background(), models.ActivityGradeFilter{Status: "LOST"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestUpdateActivityGradeSetsGradedAt(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.put(models.ActivityGrade{ActivityID: "quiz-1", StudentID: "s-1", Status: models.ActivityGradeSubmitted})

	result, err := f.service.Update(context.Background(), "quiz-1", "s-1", UpdateActivityGradeRequest{Score: ptrFloat(91)})
	require.NoError(t, err)
	assert.Equal(t, models.ActivityGradeGraded, result.Grade.Status)
	require.NotNil(t, result.Grade.GradedAt)
	assert.Equal(t, 91.0, *result.Grade.Score)
	assert.Equal(t, models.AggregateUpdated, result.Outcome.Status)

	returned := models.ActivityGradeReturned
	result, err = f.service.Update(context.Background(), "quiz-1", "s-1", UpdateActivityGradeRequest{Score: ptrFloat(95), Status: &returned})
	require.NoError(t, err)
	assert.Equal(t, models.ActivityGradeReturned, result.Grade.Status)
	assert.Equal(t, 2, f.store.updates)
}

func TestUpdateActivityGradeIsIdempotent(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.put(models.ActivityGrade{ActivityID: "quiz-1", StudentID: "s-1", Status: models.ActivityGradeSubmitted})
	req := UpdateActivityGradeRequest{Score: ptrFloat(77), Feedback: ptrString("good")}

	first, err := f.service.Update(context.Background(), "quiz-1", "s-1", req)
	require.NoError(t, err)
	stored := f.store.grades[pairKey("quiz-1", "s-1")]

	second, err := f.service.Update(context.Background(), "quiz-1", "s-1", req)
	require.NoError(t, err)

	assert.Equal(t, stored, f.store.grades[pairKey("quiz-1", "s-1")])
	assert.Equal(t, *first.Grade.Score, *second.Grade.Score)
	assert.Equal(t, models.AggregateSkipped, second.Outcome.Status)
	assert.Equal(t, "no changes", second.Outcome.Reason)
	assert.Equal(t, 1, f.store.updates)
	assert.Len(t, f.recomputer.calls, 1)
}

func TestUpdateActivityGradeErrors(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.put(models.ActivityGrade{ActivityID: "quiz-1", StudentID: "s-1", Score: ptrFloat(10), Status: models.ActivityGradeGraded})

	_, err := f.service.Update(context.Background(), "quiz-1", "s-2", UpdateActivityGradeRequest{Score: ptrFloat(10)})
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = f.service.Update(context.Background(), "quiz-1", "s-1", UpdateActivityGradeRequest{Score: ptrFloat(150)})
	assert.True(t, errors.Is(err, appErrors.ErrBadRequest))
	assert.Equal(t, 10.0, *f.store.grades[pairKey("quiz-1", "s-1")].Score)
	assert.Equal(t, 0, f.store.updates)
}

func TestBatchGradeMixesCreatesAndUpdates(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.put(models.ActivityGrade{ActivityID: "quiz-1", StudentID: "s-2", Status: models.ActivityGradeSubmitted, Feedback: ptrString("late")})

	result, err := f.service.BatchGrade(context.Background(), "quiz-1", BatchGradeRequest{
		GradedByID: "teacher-1",
		Grades: []BatchGradeEntry{
			{StudentID: "s-1", Score: ptrFloat(90)},
			{StudentID: "s-2", Score: ptrFloat(65)},
			{StudentID: "s-3", Score: ptrFloat(0), Feedback: ptrString("missing work")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Updated)
	require.Len(t, result.Grades, 3)
	for _, grade := range result.Grades {
		assert.Equal(t, models.ActivityGradeGraded, grade.Status)
		assert.NotNil(t, grade.GradedAt)
		require.NotNil(t, grade.GradedByID)
		assert.Equal(t, "teacher-1", *grade.GradedByID)
	}
	assert.Equal(t, "late", *f.store.grades[pairKey("quiz-1", "s-2")].Feedback)
	assert.Len(t, f.store.grades, 3)
	assert.Len(t, result.Outcomes, 3)
	assert.Len(t, f.recomputer.calls, 3)
}

func TestBatchGradeRecoversFromInsertRace(t *testing.T) {
	f := newActivityGradeFixture()
	f.store.raceOnCreate["s-1"] = true

	result, err := f.service.BatchGrade(context.Background(), "quiz-1", BatchGradeRequest{
		Grades: []BatchGradeEntry{{StudentID: "s-1", Score: ptrFloat(42)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Updated)
	stored := f.store.grades[pairKey("quiz-1", "s-1")]
	assert.Equal(t, 42.0, *stored.Score)
	assert.Equal(t, models.ActivityGradeGraded, stored.Status)
}

func TestBatchGradeValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()

	t.Run("score out of bounds names the student", func(t *testing.T) {
		f := newActivityGradeFixture()
		_, err := f.service.BatchGrade(ctx, "quiz-1", BatchGradeRequest{Grades: []BatchGradeEntry{
			{StudentID: "s-1", Score: ptrFloat(90)},
			{StudentID: "s-2", Score: ptrFloat(101)},
		}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, appErrors.ErrBadRequest))
		assert.Contains(t, err.Error(), "s-2")
		assert.Empty(t, f.store.grades)
	})

	t.Run("unknown student", func(t *testing.T) {
		f := newActivityGradeFixture()
		_, err := f.service.BatchGrade(ctx, "quiz-1", BatchGradeRequest{Grades: []BatchGradeEntry{
			{StudentID: "s-404", Score: ptrFloat(90)},
		}})
		assert.True(t, errors.Is(err, appErrors.ErrNotFound))
		assert.Contains(t, err.Error(), "s-404")
	})

	t.Run("duplicate student", func(t *testing.T) {
		f := newActivityGradeFixture()
		_, err := f.service.BatchGrade(ctx, "quiz-1", BatchGradeRequest{Grades: []BatchGradeEntry{
			{StudentID: "s-1", Score: ptrFloat(90)},
			{StudentID: "s-1", Score: ptrFloat(80)},
		}})
		assert.True(t, errors.Is(err, appErrors.ErrBadRequest))
	})

	t.Run("activity not gradable", func(t *testing.T) {
		f := newActivityGradeFixture()
		_, err := f.service.BatchGrade(ctx, "notes-1", BatchGradeRequest{Grades: []BatchGradeEntry{
			{StudentID: "s-1", Score: ptrFloat(1)},
		}})
		assert.True(t, errors.Is(err, appErrors.ErrBadRequest))
	})

	t.Run("unknown activity", func(t *testing.T) {
		f := newActivityGradeFixture()
		_, err := f.service.BatchGrade(ctx, "missing", BatchGradeRequest{Grades: []BatchGradeEntry{
			{StudentID: "s-1", Score: ptrFloat(1)},
		}})
		assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	})

	t.Run("empty batch", func(t *testing.T) {
		f := newActivityGradeFixture()
		_, err := f.service.BatchGrade(ctx, "quiz-1", BatchGradeRequest{})
		assert.True(t, errors.Is(err, appErrors.ErrValidation))
	})
}

func TestWriteSucceedsWhenRollupIsStale(t *testing.T) {
	f := newActivityGradeFixture()
	f.recomputer.status = models.AggregateStale

	result, err := f.service.Create(context.Background(), CreateActivityGradeRequest{ActivityID: "quiz-1", StudentID: "s-1", Score: ptrFloat(50)})
	require.NoError(t, err)
	assert.True(t, result.Outcome.Stale())
	assert.Len(t, f.store.grades, 1)
}
