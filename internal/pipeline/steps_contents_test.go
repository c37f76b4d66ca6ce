package pipeline

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offspot/image-creator/internal/buildconfig"
	"github.com/offspot/image-creator/internal/source"
)

func newContentsPayload(t *testing.T, files []buildconfig.File) *Payload {
	t.Helper()
	dataDir := t.TempDir()
	return &Payload{
		Ctx:           context.Background(),
		Opts:          Options{BuildDir: t.TempDir(), Concurrency: 1},
		Config:        &buildconfig.Document{Files: files},
		DataMountPath: dataDir,
		Reporter:      &fakeReporter{},
		HTTPClient:    http.DefaultClient,
	}
}

func TestProcessingLocalContentWritesInlineFiles(t *testing.T) {
	p := newContentsPayload(t, []buildconfig.File{{To: DataPartPath + "/etc/motd", Content: "hello"}})

	step := NewProcessingLocalContent()
	require.Equal(t, 0, step.Run(p))

	got, err := os.ReadFile(filepath.Join(p.DataMountPath, "etc/motd"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestProcessingLocalContentSkipsURLFiles(t *testing.T) {
	p := newContentsPayload(t, []buildconfig.File{{To: DataPartPath + "/etc/remote", URL: "https://example.com/x"}})

	step := NewProcessingLocalContent()
	require.Equal(t, 0, step.Run(p))

	_, err := os.Stat(filepath.Join(p.DataMountPath, "etc/remote"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadingContentNoopWithoutRemoteFiles(t *testing.T) {
	p := newContentsPayload(t, nil)
	step := NewDownloadingContent()
	assert.Equal(t, 0, step.Run(p))
}

func TestDownloadingContentFetchesDirectFile(t *testing.T) {
	const body = "direct-file-bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	p := newContentsPayload(t, []buildconfig.File{{To: DataPartPath + "/etc/app.conf", URL: srv.URL}})

	step := NewDownloadingContent()
	require.Equal(t, 0, step.Run(p))

	got, err := os.ReadFile(filepath.Join(p.DataMountPath, "etc/app.conf"))
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, int64(len(body)), p.DownloadedBytes)
}

func TestDownloadingContentServesDirectFileFromCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"match"`)
		w.Write([]byte("must-not-land-on-disk"))
	}))
	defer srv.Close()

	p := newContentsPayload(t, []buildconfig.File{{To: DataPartPath + "/etc/app.conf", URL: srv.URL}})
	mgr := attachCache(t, p)

	cachedFile := filepath.Join(t.TempDir(), "cached.conf")
	require.NoError(t, os.WriteFile(cachedFile, []byte("cached-conf-bytes"), 0o644))
	src := source.NewFileSource(source.File{URL: srv.URL})
	_, err := mgr.Introduce(src, cachedFile, "match")
	require.NoError(t, err)

	step := NewDownloadingContent()
	require.Equal(t, 0, step.Run(p))

	got, err := os.ReadFile(filepath.Join(p.DataMountPath, "etc/app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "cached-conf-bytes", string(got))
}

func TestDownloadingContentExpandsZipArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("payload.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("zipped-content"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	p := newContentsPayload(t, []buildconfig.File{{To: DataPartPath + "/opt/app", URL: srv.URL, Via: "unzip"}})

	step := NewDownloadingContent()
	require.Equal(t, 0, step.Run(p))

	got, err := os.ReadFile(filepath.Join(p.DataMountPath, "opt/app", "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "zipped-content", string(got))
}

func TestDownloadingContentExpandsTarArchive(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("tarred-content")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "payload.txt", Size: int64(len(content)), Mode: 0o644}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	p := newContentsPayload(t, []buildconfig.File{{To: DataPartPath + "/opt/app2", URL: srv.URL, Via: "untar"}})

	step := NewDownloadingContent()
	require.Equal(t, 0, step.Run(p))

	got, err := os.ReadFile(filepath.Join(p.DataMountPath, "opt/app2", "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tarred-content", string(got))
}

func TestIsHTTPTransportRecognizesPlainAndTransportSchemes(t *testing.T) {
	assert.True(t, isHTTPTransport("https://example.com/file.bin"))
	assert.True(t, isHTTPTransport("http://example.com/file.bin"))
	assert.False(t, isHTTPTransport("magnet:?xt=urn:btih:abc"))
	assert.False(t, isHTTPTransport("https://example.com/file.torrent"))
	assert.False(t, isHTTPTransport("https://example.com/file.metalink"))
}
