package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSpliceResponseWriter_PassesThroughWhenPlaceholderAbsent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSpliceResponseWriter(rec, func(ctx context.Context) (any, error) {
		t.Fatal("state snapshot func must not be called when no placeholder is present")
		return nil, nil
	}, context.Background(), zap.NewNop())

	body := []byte(`{"ok":true}`)
	n, err := sw.Write(body)
	require.NoError(t, err)
	assert.Equal(t, len(body), n)
	sw.Close()

	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestSpliceResponseWriter_SplicesSnapshotWhenPlaceholderPresent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSpliceResponseWriter(rec, func(ctx context.Context) (any, error) {
		return map[string]string{"on": "yes"}, nil
	}, context.Background(), zap.NewNop())

	body := []byte(`{"state":"__STATE_SNAPSHOT__"}`)
	_, err := sw.Write(body)
	require.NoError(t, err)
	sw.Close()

	assert.Contains(t, rec.Body.String(), `\"on\":\"yes\"`)
	assert.NotContains(t, rec.Body.String(), statePlaceholder)
}

func TestSpliceResponseWriter_LargeBodyWithoutPlaceholderPassesThroughAfterSniff(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSpliceResponseWriter(rec, func(ctx context.Context) (any, error) {
		t.Fatal("state snapshot func must not be called when no placeholder is present")
		return nil, nil
	}, context.Background(), zap.NewNop())

	chunk := make([]byte, sniffWindow+100)
	for i := range chunk {
		chunk[i] = 'x'
	}
	_, err := sw.Write(chunk)
	require.NoError(t, err)

	more := []byte("tail")
	_, err = sw.Write(more)
	require.NoError(t, err)
	sw.Close()

	assert.Equal(t, len(chunk)+len(more), rec.Body.Len())
}

func TestSpliceResponseWriter_StateFuncErrorReturnsInternalError(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSpliceResponseWriter(rec, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, context.Background(), zap.NewNop())

	_, err := sw.Write([]byte(`{"state":"__STATE_SNAPSHOT__"}`))
	require.NoError(t, err)
	sw.Close()

	assert.Equal(t, 500, rec.Code)
}
