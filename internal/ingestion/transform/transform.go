// Package transform validates raw dataset items and maps them onto content
// records. Providers name their fields differently, so each record field is
// looked up through an ordered list of candidate keys.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
)

const opTransform = "transform_item"

var (
	URLFields       = []string{"url", "link", "articleUrl", "article_url", "canonicalUrl", "href"}
	TitleFields     = []string{"title", "headline", "name", "heading"}
	ContentFields   = []string{"content", "text", "body", "articleBody", "description", "markdown"}
	SourceFields    = []string{"source", "siteName", "site_name", "publisher", "domain"}
	PublishedFields = []string{"publishedAt", "published_at", "date", "datePublished", "pubDate", "published", "publishDate"}
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"02/01/2006",
}

// ValidationError holds per-field validation failure messages. Items that
// fail validation are skipped, not failed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

// RejectedError marks a well-formed item that is deliberately not turned
// into content.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "rejected: " + e.Reason }

// Transformer turns raw items into content records.
type Transformer struct {
	MinContentLength int
	DeriveSource     bool
}

// Validate checks that url, title and content can each be found under one of
// their candidate keys with a non-blank value.
func (t Transformer) Validate(item map[string]any) error {
	errs := make(map[string]string)
	for field, candidates := range map[string][]string{
		"url":     URLFields,
		"title":   TitleFields,
		"content": ContentFields,
	} {
		if _, _, ok := lookup(item, candidates); !ok {
			errs[field] = field + " is required"
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// Transform validates item and builds its content record. A
// *ValidationError or *RejectedError means the item should be skipped; any
// other error is a data-processing failure of this item only.
func (t Transformer) Transform(item map[string]any) (*ingestion.ContentRecord, error) {
	if err := t.Validate(item); err != nil {
		return nil, err
	}

	rawURL, err := scalarField(item, URLFields, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, processingError(fmt.Sprintf("malformed url %q", rawURL), err)
	}
	title, err := scalarField(item, TitleFields, "title")
	if err != nil {
		return nil, err
	}
	body, err := scalarField(item, ContentFields, "content")
	if err != nil {
		return nil, err
	}

	if n := utf8.RuneCountInString(body); n < t.MinContentLength {
		return nil, &RejectedError{Reason: fmt.Sprintf("content length %d below minimum %d", n, t.MinContentLength)}
	}

	source := ""
	if _, _, ok := lookup(item, SourceFields); ok {
		if source, err = scalarField(item, SourceFields, "source"); err != nil {
			return nil, err
		}
	}
	if source == "" && t.DeriveSource {
		source = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}

	var published *time.Time
	if v, _, ok := lookup(item, PublishedFields); ok {
		published = ParsePublished(v)
	}

	return &ingestion.ContentRecord{
		URL:         u.String(),
		Title:       title,
		Body:        body,
		Source:      source,
		PublishedAt: published,
		Status:      ingestion.ContentStatusIngested,
	}, nil
}

// IsSkip reports whether err means the item is to be counted as skipped.
func IsSkip(err error) bool {
	var ve *ValidationError
	var re *RejectedError
	return apperrors.As(err, &ve) || apperrors.As(err, &re)
}

// ItemKey identifies an item in per-item error maps: its URL when it has a
// usable one, else its position.
func ItemKey(item map[string]any, index int) string {
	if v, _, ok := lookup(item, URLFields); ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return fmt.Sprintf("item-%d", index)
}

// ParsePublished interprets v as a publication time. Unparseable values
// yield nil, meaning unknown.
func ParsePublished(v any) *time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(n)
		}
	case float64:
		return fromUnix(t)
	case int:
		return fromUnix(float64(t))
	case int64:
		return fromUnix(float64(t))
	case json.Number:
		if n, err := t.Float64(); err == nil {
			return fromUnix(n)
		}
	case time.Time:
		ts := t.UTC()
		return &ts
	}
	return nil
}

// fromUnix reads n as seconds, or milliseconds when it is too large to be a
// plausible seconds value.
func fromUnix(n float64) *time.Time {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	var ts time.Time
	if n > 1e11 {
		ts = time.UnixMilli(int64(n)).UTC()
	} else {
		sec, frac := math.Modf(n)
		ts = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return &ts
}

// lookup returns the first candidate value that is present and not blank.
func lookup(item map[string]any, candidates []string) (any, string, bool) {
	for _, key := range candidates {
		v, ok := item[key]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, key, true
	}
	return nil, "", false
}

func scalarField(item map[string]any, candidates []string, field string) (string, error) {
	v, key, _ := lookup(item, candidates)
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case float64, bool, int, int64, json.Number:
		return fmt.Sprint(t), nil
	default:
		return "", processingError(fmt.Sprintf("field %s (%s) has non-scalar value of type %T", field, key, v), nil)
	}
}

func processingError(msg string, cause error) error {
	return &apperrors.Error{
		Kind:    apperrors.KindDataProcessing,
		Op:      opTransform,
		Message: msg,
		Context: map[string]string{},
		Err:     cause,
	}
}
