package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offspot/image-creator/internal/buildconfig"
	"github.com/offspot/image-creator/internal/source"
)

func newURLsPayload(t *testing.T, cfg *buildconfig.Document) *Payload {
	t.Helper()
	return &Payload{
		Ctx:        context.Background(),
		Config:     cfg,
		Reporter:   &fakeReporter{},
		HTTPClient: http.DefaultClient,
	}
}

func TestCheckURLsSucceedsAndRegistersCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newURLsPayload(t, &buildconfig.Document{
		Base:  srv.URL,
		Files: []buildconfig.File{{To: DataPartPath + "/f", URL: srv.URL + "/file"}},
	})
	mgr := attachCache(t, p)

	step := NewCheckURLs()
	require.Equal(t, 0, step.Run(p))

	should, err := mgr.ShouldCache(source.NewFileSource(source.File{URL: srv.URL}))
	require.NoError(t, err)
	assert.True(t, should)

	should, err = mgr.ShouldCache(source.NewFileSource(source.File{URL: srv.URL + "/file"}))
	require.NoError(t, err)
	assert.True(t, should)
}

func TestCheckURLsSkipsInlineContentFiles(t *testing.T) {
	p := newURLsPayload(t, &buildconfig.Document{
		Base:  "/local/base.img",
		Files: []buildconfig.File{{To: DataPartPath + "/f", Content: "inline"}},
	})

	step := NewCheckURLs()
	assert.Equal(t, 0, step.Run(p))
}

func TestCheckURLsFailsOnUnreachableFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newURLsPayload(t, &buildconfig.Document{
		Base:  "/local/base.img",
		Files: []buildconfig.File{{To: DataPartPath + "/f", URL: srv.URL}},
	})

	step := NewCheckURLs()
	assert.Equal(t, 4, step.Run(p))
}
