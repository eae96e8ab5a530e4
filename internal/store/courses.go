package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const courseColumns = `id, title, thumbnail, price_cents, enrolled_students, created_at, updated_at`

const lectureColumns = `id, course_id, title, is_preview_free, created_at, updated_at`

// GetCourseByID retrieves a course by ID
func (s *Store) GetCourseByID(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	err := s.db.GetContext(ctx, &course, "SELECT "+courseColumns+" FROM courses WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// GetLecturesByCourseID retrieves the lectures of a course
func (s *Store) GetLecturesByCourseID(ctx context.Context, courseID string) ([]models.Lecture, error) {
	lectures := []models.Lecture{}
	err := s.db.SelectContext(ctx, &lectures,
		"SELECT "+lectureColumns+" FROM lectures WHERE course_id = $1 ORDER BY created_at", courseID)
	return lectures, err
}

// UpdateLecturesVisibility flips the preview flag on every lecture of a course
func (s *Store) UpdateLecturesVisibility(ctx context.Context, courseID string, visible bool) (int64, error) {
	return updateLecturesVisibility(ctx, s.db, courseID, visible)
}

// AddEnrolledStudent adds userID to the course's enrolled set; a no-op if present
func (s *Store) AddEnrolledStudent(ctx context.Context, courseID, userID string) (bool, error) {
	return addEnrolledStudent(ctx, s.db, courseID, userID)
}

func updateLecturesVisibility(ctx context.Context, q sqlx.ExecerContext, courseID string, visible bool) (int64, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE lectures SET is_preview_free = $1, updated_at = NOW() WHERE course_id = $2 AND is_preview_free <> $1",
		visible, courseID)
	if err != nil {
		return 0, fmt.Errorf("failed to update lecture visibility: %w", err)
	}
	return res.RowsAffected()
}

func addEnrolledStudent(ctx context.Context, q sqlx.ExecerContext, courseID, userID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE courses SET enrolled_students = array_append(enrolled_students, $1::text), updated_at = NOW()
		WHERE id = $2 AND NOT ($1::text = ANY(enrolled_students))`,
		userID, courseID)
	if err != nil {
		return false, fmt.Errorf("failed to add enrolled student: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
