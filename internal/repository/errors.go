package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
)

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func ensureAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func limitOffset(page, pageSize int) (int, int) {
	page, size := models.NormalizePage(page, pageSize)
	return size, (page - 1) * size
}
