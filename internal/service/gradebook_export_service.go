package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
	"github.com/noah-isme/campus-gradebook-api/pkg/export"
)

type gradeBookGetter interface {
	Get(ctx context.Context, id string) (*models.GradeBook, error)
}

type exportRowReader interface {
	ExportRows(ctx context.Context, gradeBookID string) ([]models.GradeBookExportRow, error)
}

// ExportFile is a rendered grade book ready to be served.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

var gradeBookExportHeaders = []string{"Student ID", "Student", "Topic", "Topic Score", "Final Grade", "Letter"}

// GradeBookExportService renders grade books as CSV, XLSX or PDF.
type GradeBookExportService struct {
	books     gradeBookGetter
	rows      exportRowReader
	renderers map[export.Format]export.Renderer
	logger    *zap.Logger
}

// NewGradeBookExportService constructs GradeBookExportService. Nil renderers fall back to the defaults.
func NewGradeBookExportService(books gradeBookGetter, rows exportRowReader, renderers map[export.Format]export.Renderer, logger *zap.Logger) *GradeBookExportService {
	if renderers == nil {
		renderers = export.Renderers()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradeBookExportService{books: books, rows: rows, renderers: renderers, logger: logger}
}

// Export renders a grade book in the requested format.
func (s *GradeBookExportService) Export(ctx context.Context, gradeBookID, rawFormat string) (*ExportFile, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, err.Error())
	}
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrBadRequest, fmt.Sprintf("export format %s not available", format))
	}
	book, err := s.books.Get(ctx, gradeBookID)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows.ExportRows(ctx, gradeBookID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade book rows")
	}

	dataset := BuildGradeBookDataset(book, rows)
	payload, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render grade book")
	}
	s.logger.Info("grade book exported",
		zap.String("grade_book_id", gradeBookID),
		zap.String("format", string(format)),
		zap.Int("rows", len(dataset.Rows)),
	)
	return &ExportFile{
		Filename:    fmt.Sprintf("gradebook_%s.%s", sanitizeFilename(book.ClassName+"_"+book.TermName), format),
		ContentType: format.ContentType(),
		Data:        payload,
	}, nil
}

// BuildGradeBookDataset flattens rollups into one row per student topic.
func BuildGradeBookDataset(book *models.GradeBook, rows []models.GradeBookExportRow) export.Dataset {
	title := "Grade Book"
	if book != nil && (book.ClassName != "" || book.TermName != "") {
		title = strings.TrimSpace(book.ClassName + " " + book.TermName)
	}
	dataset := export.Dataset{Title: title, Headers: gradeBookExportHeaders, Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		dataset.Rows = append(dataset.Rows, []string{
			row.StudentID,
			row.StudentName,
			derefString(row.TopicTitle),
			formatScore(row.TopicScore),
			formatScore(row.FinalGrade),
			derefString(row.LetterGrade),
		})
	}
	return dataset
}

func formatScore(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *v)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sanitizeFilename(raw string) string {
	raw = strings.Trim(raw, "_ ")
	if raw == "" {
		return "export"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".")
	result := strings.ToLower(replacer.Replace(raw))
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
