package app

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"course_reactions/internal/domain"
)

/********** alias registries (single source of truth) **********/

var reviewAliases = map[string][]string{
	"id":        {"id", "review_id", "reviewId"},
	"title":     {"title", "review_title", "headline"},
	"content":   {"content", "text", "comment", "body"},
	"course":    {"course_number", "courseNumber", "course", "course.course_number"},
	"professor": {"professor_name", "professorName", "professor", "professor.full_name"},
	"rating":    {"rating", "score", "rating.value"},
	"likes":     {"likes_count", "likesCount", "likes"},
	"dislikes":  {"dislikes_count", "dislikesCount", "dislikes"},
	"created":   {"created_at", "createdAt"},
}

/********** tiny helpers **********/

// lookupAny: safe nested lookup with dot paths on maps.
func lookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// lookupStr returns string at path or "".
func lookupStr(m map[string]any, path string) string {
	if v := lookupAny(m, path); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// firstNonEmptyAlias: first non-empty string for a named alias set.
func firstNonEmptyAlias(m map[string]any, key string) *string {
	for _, p := range reviewAliases[key] {
		if s := strings.TrimSpace(lookupStr(m, p)); s != "" {
			return &s
		}
	}
	return nil
}

// getFloatFlexible: number from several paths (float64/int/string like "4,5").
func getFloatFlexible(m map[string]any, paths ...string) *float64 {
	for _, k := range paths {
		switch v := lookupAny(m, k).(type) {
		case float64:
			f := v
			return &f
		case int:
			f := float64(v)
			return &f
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return &f
			}
		case string:
			s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

// firstInt64Flexible: int64 from several paths (float64/int/string).
func firstInt64Flexible(m map[string]any, paths ...string) *int64 {
	for _, k := range paths {
		switch v := lookupAny(m, k).(type) {
		case float64:
			x := int64(v)
			return &x
		case int:
			x := int64(v)
			return &x
		case int64:
			x := v
			return &x
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return &n
			}
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				continue
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

func countOf(m map[string]any, key string) int {
	if n := firstInt64Flexible(m, reviewAliases[key]...); n != nil && *n > 0 {
		return int(*n)
	}
	return 0
}

func parseTimeFlexible(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

/********** reviews mapper **********/

// mapReviews drops entries without a usable id; a review the projector
// cannot address is of no use to the reaction layer.
func mapReviews(in []map[string]any) []domain.Review {
	out := make([]domain.Review, 0, len(in))
	for _, r := range in {
		id := firstInt64Flexible(r, reviewAliases["id"]...)
		if id == nil {
			log.Warn().Str("context", "mapReviews").Msg("review without id skipped")
			continue
		}
		rv := domain.Review{
			ID:            *id,
			Title:         firstNonEmptyAlias(r, "title"),
			Content:       firstNonEmptyAlias(r, "content"),
			CourseNumber:  firstNonEmptyAlias(r, "course"),
			ProfessorName: firstNonEmptyAlias(r, "professor"),
			Rating:        getFloatFlexible(r, reviewAliases["rating"]...),
			Likes:         countOf(r, "likes"),
			Dislikes:      countOf(r, "dislikes"),
		}
		if s := firstNonEmptyAlias(r, "created"); s != nil {
			rv.CreatedAt = parseTimeFlexible(*s)
		}
		if raw, err := json.Marshal(r); err == nil {
			rv.RawJSON = raw
		} else {
			log.Error().Err(err).Str("context", "mapReviews").Msg("marshal review failed")
		}
		out = append(out, rv)
	}
	return out
}

/********** ack mapper **********/

func mapAck(in map[string]any) domain.Ack {
	var a domain.Ack
	a.Status = lookupStr(in, "status")
	if n := firstInt64Flexible(in, reviewAliases["likes"]...); n != nil {
		v := int(*n)
		a.LikesCount = &v
	}
	if n := firstInt64Flexible(in, reviewAliases["dislikes"]...); n != nil {
		v := int(*n)
		a.DislikesCount = &v
	}
	return a
}
