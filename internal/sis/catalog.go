package sis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
	appErrors "github.com/noah-isme/sis-enrol-sync/pkg/errors"
)

// Typed fetchers for the SIS collections the sync consumes. Catalog data
// (terms, subjects, courses) changes rarely and goes through the long-TTL
// cache; enrolment data is always fetched live.

// ActiveTerms returns terms in reverse chronological order, dropping terms
// that have no enrollment file dates yet.
func (c *Client) ActiveTerms(ctx context.Context) ([]models.Term, error) {
	query := url.Values{}
	query.Set("sort", "-termStartDate")

	items, err := c.GetAll(ctx, "/terms", query, c.longCache)
	if err != nil {
		return nil, err
	}

	terms := make([]models.Term, 0, len(items))
	for _, item := range items {
		var term models.Term
		if err := json.Unmarshal(item, &term); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed term record")
		}
		if term.FileDates == nil || term.FileDates.EnrollmentStart == "" {
			continue
		}
		term.ID = strings.TrimSpace(term.ID)
		term.Name = strings.TrimSpace(term.Name)
		terms = append(terms, term)
	}
	return terms, nil
}

// SubjectsInTerm returns all subjects in a term ordered by name.
func (c *Client) SubjectsInTerm(ctx context.Context, termID string) ([]models.Subject, error) {
	query := url.Values{}
	query.Set("sort", "name")

	items, err := c.GetAll(ctx, fmt.Sprintf("/terms/%s/subjects", termID), query, c.longCache)
	if err != nil {
		return nil, err
	}

	subjects := make([]models.Subject, 0, len(items))
	for _, item := range items {
		var subject models.Subject
		if err := json.Unmarshal(item, &subject); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed subject record")
		}
		subject.ID = strings.TrimSpace(subject.ID)
		subject.Code = strings.TrimSpace(subject.Code)
		subject.Name = strings.TrimSpace(subject.Name)
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

// CoursesInTerm returns all courses in a term ordered by course number.
func (c *Client) CoursesInTerm(ctx context.Context, termID string) ([]models.Course, error) {
	query := url.Values{}
	query.Set("sort", "courseNumber")

	items, err := c.GetAll(ctx, fmt.Sprintf("/terms/%s/courses", termID), query, c.longCache)
	if err != nil {
		return nil, err
	}

	courses := make([]models.Course, 0, len(items))
	for _, item := range items {
		var course models.Course
		if err := json.Unmarshal(item, &course); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed course record")
		}
		course.ID = strings.TrimSpace(course.ID)
		course.CourseNumber = strings.TrimSpace(course.CourseNumber)
		course.Name = strings.TrimSpace(course.Name)
		courses = append(courses, course)
	}
	return courses, nil
}

// Course returns a single course by its SIS id.
func (c *Client) Course(ctx context.Context, courseID string) (*models.Course, error) {
	data, err := c.GetOne(ctx, fmt.Sprintf("/courses/%s", courseID), url.Values{}, c.shortCache)
	if err != nil {
		return nil, err
	}
	var course models.Course
	if err := json.Unmarshal(data, &course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed course record")
	}
	return &course, nil
}

// CourseEnrollment returns the collapsed enrolment status per student for a
// SIS course. Never cached: rosters must always be fresh.
func (c *Client) CourseEnrollment(ctx context.Context, sisCourseID string) (map[string]models.EnrolmentStatus, error) {
	query := url.Values{}
	query.Set("courseId", sisCourseID)

	items, err := c.GetAll(ctx, "/courseEnrollments", query, nil)
	if err != nil {
		return nil, err
	}

	raw := make([]models.RawEnrollment, 0, len(items))
	for _, item := range items {
		var record models.RawEnrollment
		if err := json.Unmarshal(item, &record); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed enrollment record")
		}
		raw = append(raw, record)
	}

	return collapseEnrollments(raw), nil
}

// PrefetchCatalog warms the long-TTL cache with terms plus subjects and
// courses for the most recent term, so the next course selection render is
// fast. Errors are returned but safe to ignore; a cold cache just means a
// live fetch later.
func (c *Client) PrefetchCatalog(ctx context.Context) error {
	terms, err := c.ActiveTerms(ctx)
	if err != nil {
		return err
	}
	if len(terms) == 0 {
		return nil
	}
	latest := terms[0]
	if _, err := c.SubjectsInTerm(ctx, latest.ID); err != nil {
		return err
	}
	if _, err := c.CoursesInTerm(ctx, latest.ID); err != nil {
		return err
	}
	return nil
}

// collapseEnrollments reduces raw SIS records to one status per student. A
// course-level withdrawal code forces SUSPENDED and wins over any status
// code; among status codes Active wins over Inactive when a student has
// duplicate records; all other codes are ignored.
func collapseEnrollments(raw []models.RawEnrollment) map[string]models.EnrolmentStatus {
	statuses := make(map[string]models.EnrolmentStatus)
	withdrawn := make(map[string]bool)

	for _, record := range raw {
		if record.Student == nil || record.Student.EmpNo == "" {
			continue
		}
		studentID := strings.TrimSpace(record.Student.EmpNo)
		if studentID == "" {
			continue
		}

		if record.CourseCodeForCode1 == "W" || record.CourseCodeForCode2 == "W" {
			statuses[studentID] = models.EnrolmentStatusSuspended
			withdrawn[studentID] = true
			continue
		}
		if withdrawn[studentID] {
			continue
		}

		switch record.Status {
		case "A":
			statuses[studentID] = models.EnrolmentStatusActive
		case "I":
			if _, seen := statuses[studentID]; !seen {
				statuses[studentID] = models.EnrolmentStatusSuspended
			}
		default:
			// Standby, Failed and anything else never create a row.
		}
	}

	return statuses
}
