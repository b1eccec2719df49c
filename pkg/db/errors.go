package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/packfinderz-donations/pkg/errors"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation. When
// constraintName is set, Postgres violations must reference that constraint.
// SQLite reports only the column list, so any SQLite unique violation matches.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}

	if pg, ok := pkgerrors.Postgres(err); ok {
		if pg.Code != pgUniqueViolation {
			return false
		}
		return constraintName == "" || pg.Constraint == constraintName
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}
	if !strings.Contains(msg, "duplicate key value") {
		return false
	}
	return constraintName == "" || strings.Contains(msg, constraintName)
}
