package domain

import (
	"net/url"
	"strconv"
	"strings"
)

// ReviewFilter selects one review collection from the backend.
type ReviewFilter struct {
	CourseID    *int64
	ProfessorID *int64
	SectionID   *int64
	Semester    string
	SortBy      string // created_at|rating|net_rating
}

// Values encodes the filter as backend query parameters.
func (f ReviewFilter) Values() url.Values {
	v := url.Values{}
	if f.CourseID != nil {
		v.Set("course_id", strconv.FormatInt(*f.CourseID, 10))
	}
	if f.ProfessorID != nil {
		v.Set("professor_id", strconv.FormatInt(*f.ProfessorID, 10))
	}
	if f.SectionID != nil {
		v.Set("section_id", strconv.FormatInt(*f.SectionID, 10))
	}
	if s := strings.TrimSpace(f.Semester); s != "" {
		v.Set("semester", s)
	}
	if f.SortBy != "" {
		v.Set("sort_by", f.SortBy)
	}
	return v
}

// Key is a stable cache key; url.Values.Encode sorts by parameter name.
func (f ReviewFilter) Key() string {
	enc := f.Values().Encode()
	if enc == "" {
		return "all"
	}
	return enc
}

// ParseFilter is the inverse of Values. Unparseable ids are ignored.
func ParseFilter(q url.Values) ReviewFilter {
	var f ReviewFilter
	id := func(k string) *int64 {
		s := strings.TrimSpace(q.Get(k))
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		return &n
	}
	f.CourseID = id("course_id")
	f.ProfessorID = id("professor_id")
	f.SectionID = id("section_id")
	f.Semester = strings.TrimSpace(q.Get("semester"))
	switch s := q.Get("sort_by"); s {
	case "created_at", "rating", "net_rating":
		f.SortBy = s
	}
	return f
}
