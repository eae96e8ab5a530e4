package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AddEnrolledCourse adds courseID to the user's enrolled set; a no-op if present
func (s *Store) AddEnrolledCourse(ctx context.Context, userID, courseID string) (bool, error) {
	return addEnrolledCourse(ctx, s.db, userID, courseID)
}

func addEnrolledCourse(ctx context.Context, q sqlx.ExecerContext, userID, courseID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET enrolled_courses = array_append(enrolled_courses, $1::text), updated_at = NOW()
		WHERE id = $2 AND NOT ($1::text = ANY(enrolled_courses))`,
		courseID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to add enrolled course: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
