package models

import "fmt"

// Transient records parsed from SIS API responses. These are re-fetched on
// every use and never persisted locally.

// Term is a SIS academic term. Terms without enrollment file dates are not
// yet open for enrolment and are filtered out of catalog listings.
type Term struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	TermStartDate string        `json:"termStartDate"`
	FileDates     *TermFileDate `json:"fileDateForEnrollment"`
}

// TermFileDate carries the enrollment window dates published for a term.
type TermFileDate struct {
	EnrollmentStart string `json:"enrollmentStart"`
	EnrollmentEnd   string `json:"enrollmentEnd"`
}

// DisplayTitle renders the term the way course selection screens label it.
func (t Term) DisplayTitle() string {
	return fmt.Sprintf("%s: %s", t.ID, t.Name)
}

// Subject is a SIS subject within a term.
type Subject struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// DisplayTitle renders the subject as "CODE: Name (id)".
func (s Subject) DisplayTitle() string {
	return fmt.Sprintf("%s: %s (%s)", s.Code, s.Name, s.ID)
}

// Course is a SIS course within a term.
type Course struct {
	ID           string      `json:"id"`
	CourseNumber string      `json:"courseNumber"`
	Name         string      `json:"name"`
	SubjectID    string      `json:"subjectForCorrespondTo"`
	Instructor   *Instructor `json:"userForInstructorOfRecord"`
}

// Instructor is the instructor of record attached to a SIS course.
type Instructor struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// DisplayTitle renders the course as "number: name (Instructor)".
func (c Course) DisplayTitle() string {
	title := fmt.Sprintf("%s: %s", c.CourseNumber, c.Name)
	if c.Instructor != nil {
		title = fmt.Sprintf("%s (%s %s)", title, c.Instructor.FirstName, c.Instructor.LastName)
	}
	return title
}

// RawEnrollment is one SIS course-enrollment record as returned by the API.
// A student can have several raw records per course; the client collapses
// them into a single status per student.
type RawEnrollment struct {
	Student            *SISStudent `json:"student"`
	Status             string      `json:"status"`
	CourseCodeForCode1 string      `json:"courseCodeForCode1"`
	CourseCodeForCode2 string      `json:"courseCodeForCode2"`
}

// SISStudent is the student reference embedded in an enrollment record.
type SISStudent struct {
	EmpNo string `json:"empno"`
}
