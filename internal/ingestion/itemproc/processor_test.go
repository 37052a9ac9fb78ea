package itemproc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/memstore"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/transform"
)

func article(url string) map[string]any {
	return map[string]any{"url": url, "title": "Title", "content": "Some body text"}
}

func TestProcessCreatesContentAndLinksRawItem(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := New(transform.Transformer{}, false)

	out := p.Process(ctx, store, "run-1", 0, article("https://example.com/a"))
	require.Equal(t, Processed, out.Kind)
	assert.True(t, out.Created(false))
	assert.Equal(t, "https://example.com/a", out.Key)

	raw := store.RawItems("run-1")
	require.Len(t, raw, 1)
	require.NotNil(t, raw[0].ContentID)
	assert.Equal(t, out.Upsert.ContentID, *raw[0].ContentID)
	assert.JSONEq(t, `{"url":"https://example.com/a","title":"Title","content":"Some body text"}`, string(raw[0].Payload))
}

func TestProcessExistingURLIsProcessedNotCreated(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := New(transform.Transformer{}, false)

	first := p.Process(ctx, store, "run-1", 0, article("https://example.com/a"))
	second := p.Process(ctx, store, "run-2", 0, article("https://example.com/a"))

	assert.Equal(t, Processed, second.Kind)
	assert.Equal(t, ingestion.UpsertExisting, second.Upsert.Result)
	assert.Equal(t, first.Upsert.ContentID, second.Upsert.ContentID)
	assert.False(t, second.Created(true))
	assert.Len(t, store.Contents(), 1)
}

func TestProcessOverwriteCountsAsCreatedWhenAsked(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := New(transform.Transformer{}, true)

	p.Process(ctx, store, "run-1", 0, article("https://example.com/a"))
	out := p.Process(ctx, store, "run-2", 0, article("https://example.com/a"))

	assert.Equal(t, ingestion.UpsertUpdated, out.Upsert.Result)
	assert.True(t, out.Created(true))
	assert.False(t, out.Created(false))
}

func TestProcessSkipsInvalidItem(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := New(transform.Transformer{}, false)

	out := p.Process(ctx, store, "run-1", 4, map[string]any{"title": "no url"})
	assert.Equal(t, Skipped, out.Kind)
	assert.Equal(t, "item-4", out.Key)
	assert.Contains(t, out.Message, "url is required")

	raw := store.RawItems("run-1")
	require.Len(t, raw, 1)
	assert.Nil(t, raw[0].ContentID)
	assert.Equal(t, out.Message, raw[0].Error)
	assert.Empty(t, store.Contents())
}

func TestProcessFailsOnMalformedURL(t *testing.T) {
	out := New(transform.Transformer{}, false).Process(context.Background(), memstore.New(), "run-1", 0, article("not a url"))
	assert.Equal(t, Failed, out.Kind)
	assert.Error(t, out.Err)
}

func TestProcessUpsertErrorIsFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.FailUpsert = func(*ingestion.ContentRecord) error { return errors.New("connection reset") }

	out := New(transform.Transformer{}, false).Process(ctx, store, "run-1", 0, article("https://example.com/a"))
	assert.Equal(t, Failed, out.Kind)
	assert.Contains(t, out.Message, "connection reset")

	raw := store.RawItems("run-1")
	require.Len(t, raw, 1)
	assert.Contains(t, raw[0].Error, "connection reset")
}

type brokenLinks struct {
	*memstore.Store
}

func (brokenLinks) LinkRawItem(context.Context, int64, *int64, string) error {
	return errors.New("current transaction is aborted")
}

func TestProcessReportsLinkFailure(t *testing.T) {
	ctx := context.Background()
	store := brokenLinks{memstore.New()}

	out := New(transform.Transformer{}, false).Process(ctx, store, "run-1", 0, article("https://example.com/a"))
	assert.Equal(t, Processed, out.Kind)
	require.Error(t, out.LinkErr)
	assert.ErrorIs(t, out.TxErr(), out.LinkErr)

	ok := New(transform.Transformer{}, false).Process(ctx, memstore.New(), "run-1", 0, article("https://example.com/a"))
	assert.NoError(t, ok.TxErr())
}
