package runner

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

const (
	// DefaultPageSize is used by FetchAllItems when pageSize is not positive.
	DefaultPageSize = 1000
	// MaxPages bounds a single FetchAllItems call.
	MaxPages = 10000
)

// FetchAllItems reads a whole dataset as one logical call, paging with
// ListDatasetItems until a short or empty page comes back. Page warnings are
// merged; a page carrying a normalization error stops paging and the error
// is reported on the result. A full page identical to the one before it
// means the remote ignored the offset; it is dropped and paging stops with a
// warning, as it does after MaxPages pages.
func FetchAllItems(ctx context.Context, c Client, datasetID string, pageSize int) (*DatasetItems, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	out := &DatasetItems{Items: []map[string]any{}}
	var warnings []string
	var prev []map[string]any
	for n := 0; ; n++ {
		offset := n * pageSize
		if n == MaxPages {
			warnings = append(warnings, fmt.Sprintf("stopped after %d pages", MaxPages))
			break
		}
		page, err := c.ListDatasetItems(ctx, datasetID, ListOptions{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing dataset %s at offset %d: %w", datasetID, offset, err)
		}
		if n > 0 && len(page.Items) > 0 && reflect.DeepEqual(page.Items, prev) {
			warnings = append(warnings, fmt.Sprintf("page at offset %d repeats the previous page; offset ignored by remote", offset))
			break
		}
		prev = page.Items
		if page.Warning != "" {
			warnings = append(warnings, page.Warning)
		}
		out.Items = append(out.Items, page.Items...)
		out.RawCount += max(page.RawCount, len(page.Items))
		if page.Error != "" {
			out.Error = page.Error
			break
		}
		if max(page.RawCount, len(page.Items)) < pageSize {
			break
		}
	}
	out.Warning = strings.Join(warnings, "; ")
	return out, nil
}
