package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	"github.com/noah-isme/campus-gradebook-api/internal/repository"
)

type fakeActivityReader struct {
	activities map[string]models.Activity
	err        error
}

func (f *fakeActivityReader) FindByID(ctx context.Context, id string) (*models.Activity, error) {
	if f.err != nil {
		return nil, f.err
	}
	activity, ok := f.activities[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &activity, nil
}

type fakeStudentReader struct {
	students map[string]models.Student
}

func (f *fakeStudentReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	student, ok := f.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &student, nil
}

type fakeActivityGradeStore struct {
	mu      sync.Mutex
	grades  map[string]models.ActivityGrade
	seq     int
	creates int
	updates int
	// raceOnCreate inserts a competing row for the student before reporting a duplicate.
	raceOnCreate map[string]bool
	listTotal    int
}

func newFakeActivityGradeStore() *fakeActivityGradeStore {
	return &fakeActivityGradeStore{grades: map[string]models.ActivityGrade{}, raceOnCreate: map[string]bool{}}
}

func pairKey(activityID, studentID string) string {
	return activityID + "|" + studentID
}

func (f *fakeActivityGradeStore) put(grade models.ActivityGrade) {
	f.seq++
	if grade.ID == "" {
		grade.ID = fmt.Sprintf("grade-%d", f.seq)
	}
	f.grades[pairKey(grade.ActivityID, grade.StudentID)] = grade
}

func (f *fakeActivityGradeStore) Create(ctx context.Context, grade *models.ActivityGrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(grade.ActivityID, grade.StudentID)
	if f.raceOnCreate[grade.StudentID] {
		delete(f.raceOnCreate, grade.StudentID)
		f.put(models.ActivityGrade{ActivityID: grade.ActivityID, StudentID: grade.StudentID, Status: models.ActivityGradeSubmitted})
	}
	if _, exists := f.grades[key]; exists {
		return fmt.Errorf("insert activity grade: %w", repository.ErrDuplicate)
	}
	f.put(*grade)
	grade.ID = f.grades[key].ID
	f.creates++
	return nil
}

func (f *fakeActivityGradeStore) FindByPair(ctx context.Context, activityID, studentID string) (*models.ActivityGrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grade, ok := f.grades[pairKey(activityID, studentID)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &grade, nil
}

func (f *fakeActivityGradeStore) List(ctx context.Context, filter models.ActivityGradeFilter) ([]models.ActivityGrade, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []models.ActivityGrade
	for _, grade := range f.grades {
		if filter.ActivityID != "" && grade.ActivityID != filter.ActivityID {
			continue
		}
		result = append(result, grade)
	}
	total := len(result)
	if f.listTotal > 0 {
		total = f.listTotal
	}
	return result, total, nil
}

func (f *fakeActivityGradeStore) Update(ctx context.Context, grade *models.ActivityGrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(grade.ActivityID, grade.StudentID)
	if _, ok := f.grades[key]; !ok {
		return sql.ErrNoRows
	}
	f.grades[key] = *grade
	f.updates++
	return nil
}

type recomputeCall struct {
	studentID string
	classID   string
}

type fakeRecomputer struct {
	calls  []recomputeCall
	status models.AggregateStatus
}

func (f *fakeRecomputer) Recompute(ctx context.Context, studentID, classID string) models.AggregateOutcome {
	f.calls = append(f.calls, recomputeCall{studentID: studentID, classID: classID})
	status := f.status
	if status == "" {
		status = models.AggregateUpdated
	}
	return models.AggregateOutcome{StudentID: studentID, ClassID: classID, Status: status}
}

type fakeScoredGrades struct {
	grades []models.ScoredActivityGrade
	err    error
}

func (f *fakeScoredGrades) ListScoredForStudent(ctx context.Context, studentID, classID string) ([]models.ScoredActivityGrade, error) {
	if f.err != nil {
		return nil, f.err
	}
	var result []models.ScoredActivityGrade
	for _, grade := range f.grades {
		if grade.StudentID == studentID {
			result = append(result, grade)
		}
	}
	return result, nil
}

type fakeTermFinder struct {
	term *models.Term
	err  error
}

func (f *fakeTermFinder) FindActive(ctx context.Context) (*models.Term, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.term == nil {
		return nil, sql.ErrNoRows
	}
	return f.term, nil
}

type fakeGradeBookStore struct {
	books   map[string]models.GradeBook
	seq     int
	deleted []string
}

func newFakeGradeBookStore(books ...models.GradeBook) *fakeGradeBookStore {
	store := &fakeGradeBookStore{books: map[string]models.GradeBook{}}
	for _, book := range books {
		store.books[book.ID] = book
	}
	return store
}

func (f *fakeGradeBookStore) Create(ctx context.Context, book *models.GradeBook) error {
	for _, existing := range f.books {
		if existing.ClassID == book.ClassID && existing.TermID == book.TermID {
			return fmt.Errorf("insert grade book: %w", repository.ErrDuplicate)
		}
	}
	f.seq++
	book.ID = fmt.Sprintf("book-%d", f.seq)
	f.books[book.ID] = *book
	return nil
}

func (f *fakeGradeBookStore) FindByID(ctx context.Context, id string) (*models.GradeBook, error) {
	book, ok := f.books[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &book, nil
}

func (f *fakeGradeBookStore) FindByClassAndTerm(ctx context.Context, classID, termID string) (*models.GradeBook, error) {
	for _, book := range f.books {
		if book.ClassID == classID && book.TermID == termID {
			found := book
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeGradeBookStore) List(ctx context.Context, filter models.GradeBookFilter) ([]models.GradeBook, int, error) {
	var result []models.GradeBook
	for _, book := range f.books {
		if filter.ClassID != "" && book.ClassID != filter.ClassID {
			continue
		}
		result = append(result, book)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, len(result), nil
}

func (f *fakeGradeBookStore) Update(ctx context.Context, book *models.GradeBook) error {
	if _, ok := f.books[book.ID]; !ok {
		return sql.ErrNoRows
	}
	f.books[book.ID] = *book
	return nil
}

func (f *fakeGradeBookStore) Delete(ctx context.Context, id string) error {
	if _, ok := f.books[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.books, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeRollupStore struct {
	grades    map[string]models.StudentGrade
	seq       int
	updates   int
	updateErr error
}

func newFakeRollupStore(grades ...models.StudentGrade) *fakeRollupStore {
	store := &fakeRollupStore{grades: map[string]models.StudentGrade{}}
	for _, grade := range grades {
		store.grades[grade.ID] = grade
	}
	return store
}

func (f *fakeRollupStore) Create(ctx context.Context, grade *models.StudentGrade) error {
	for _, existing := range f.grades {
		if existing.GradeBookID == grade.GradeBookID && existing.StudentID == grade.StudentID {
			return fmt.Errorf("insert student grade: %w", repository.ErrDuplicate)
		}
	}
	f.seq++
	grade.ID = fmt.Sprintf("sg-new-%d", f.seq)
	f.grades[grade.ID] = *grade
	return nil
}

func (f *fakeRollupStore) FindByID(ctx context.Context, id string) (*models.StudentGrade, error) {
	grade, ok := f.grades[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &grade, nil
}

func (f *fakeRollupStore) FindByBookAndStudent(ctx context.Context, gradeBookID, studentID string) (*models.StudentGrade, error) {
	for _, grade := range f.grades {
		if grade.GradeBookID == gradeBookID && grade.StudentID == studentID {
			found := grade
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRollupStore) List(ctx context.Context, filter models.StudentGradeFilter) ([]models.StudentGrade, int, error) {
	var result []models.StudentGrade
	for _, grade := range f.grades {
		if grade.GradeBookID == filter.GradeBookID {
			result = append(result, grade)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StudentID < result[j].StudentID })
	return result, len(result), nil
}

func (f *fakeRollupStore) ListStudentIDs(ctx context.Context, gradeBookID string) ([]string, error) {
	var ids []string
	for _, grade := range f.grades {
		if grade.GradeBookID == gradeBookID {
			ids = append(ids, grade.StudentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeRollupStore) Update(ctx context.Context, grade *models.StudentGrade) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.grades[grade.ID]; !ok {
		return sql.ErrNoRows
	}
	f.grades[grade.ID] = *grade
	f.updates++
	return nil
}

// fakeTopicGradeStore mirrors the SQL upserts: each write owns one contribution column and
// reblends from whatever the other column holds at write time.
type fakeTopicGradeStore struct {
	rows      map[string][]models.StudentTopicGrade
	upsertErr error
	// beforeWrite runs ahead of each write to stand in for another request committing first.
	beforeWrite func()
}

func newFakeTopicGradeStore() *fakeTopicGradeStore {
	return &fakeTopicGradeStore{rows: map[string][]models.StudentTopicGrade{}}
}

func (f *fakeTopicGradeStore) ListByStudentGrade(ctx context.Context, studentGradeID string) ([]models.StudentTopicGrade, error) {
	return append([]models.StudentTopicGrade(nil), f.rows[studentGradeID]...), nil
}

func (f *fakeTopicGradeStore) UpsertActivityScores(ctx context.Context, studentGradeID string, activityScores map[string]float64, assessmentWeight, activityWeight float64) ([]models.StudentTopicGrade, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	for i := range f.rows[studentGradeID] {
		row := &f.rows[studentGradeID][i]
		row.Score = round2(assessmentWeight*row.AssessmentScore + activityWeight*row.ActivityScore)
	}
	for topicID, activityScore := range activityScores {
		row := f.row(studentGradeID, topicID)
		row.ActivityScore = activityScore
		row.Score = round2(assessmentWeight*row.AssessmentScore + activityWeight*activityScore)
	}
	return f.sorted(studentGradeID), nil
}

func (f *fakeTopicGradeStore) UpsertAssessmentScore(ctx context.Context, studentGradeID, topicID string, score, assessmentWeight, activityWeight float64) ([]models.StudentTopicGrade, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	row := f.row(studentGradeID, topicID)
	row.AssessmentScore = score
	row.Score = round2(assessmentWeight*score + activityWeight*row.ActivityScore)
	return f.sorted(studentGradeID), nil
}

func (f *fakeTopicGradeStore) row(studentGradeID, topicID string) *models.StudentTopicGrade {
	rows := f.rows[studentGradeID]
	for i := range rows {
		if rows[i].TopicID == topicID {
			return &rows[i]
		}
	}
	f.rows[studentGradeID] = append(rows, models.StudentTopicGrade{ID: "stg-" + topicID, StudentGradeID: studentGradeID, TopicID: topicID})
	return &f.rows[studentGradeID][len(rows)]
}

func (f *fakeTopicGradeStore) sorted(studentGradeID string) []models.StudentTopicGrade {
	rows := append([]models.StudentTopicGrade(nil), f.rows[studentGradeID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].TopicID < rows[j].TopicID })
	return rows
}

func (f *fakeTopicGradeStore) topic(studentGradeID, topicID string) (models.StudentTopicGrade, bool) {
	for _, row := range f.rows[studentGradeID] {
		if row.TopicID == topicID {
			return row, true
		}
	}
	return models.StudentTopicGrade{}, false
}

type fakeTopicFinder struct {
	topics map[string]models.Topic
}

func (f *fakeTopicFinder) FindTopicByID(ctx context.Context, id string) (*models.Topic, error) {
	topic, ok := f.topics[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &topic, nil
}

type fakeScheduler struct {
	tasks []ReconcileTask
	err   error
}

func (f *fakeScheduler) Schedule(studentID, classID string) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, ReconcileTask{StudentID: studentID, ClassID: classID})
	return nil
}

type fakeClassReader struct {
	classes map[string]models.Class
}

func (f *fakeClassReader) FindByID(ctx context.Context, id string) (*models.Class, error) {
	class, ok := f.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &class, nil
}

type fakeTermReader struct {
	terms map[string]models.Term
}

func (f *fakeTermReader) FindByID(ctx context.Context, id string) (*models.Term, error) {
	term, ok := f.terms[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &term, nil
}

func ptrFloat(v float64) *float64 {
	return &v
}

func ptrString(v string) *string {
	return &v
}
