package buildconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBaseShorthand(t *testing.T) {
	assert.Equal(t, "https://drive.offspot.it/base/base-image-2.6.img.xz", ResolveBase("2.6"))
	assert.Equal(t, "https://drive.offspot.it/base/base-image-2.6.1.img.xz", ResolveBase("2.6.1"))
	assert.Equal(t, "https://drive.offspot.it/base/base-image-2.6-rpi.img.xz", ResolveBase("2.6-rpi"))
}

func TestResolveBaseURLPassthrough(t *testing.T) {
	url := "https://example.com/custom.img"
	assert.Equal(t, url, ResolveBase(url))
}

func TestResolveBaseUnrecognizedPassthrough(t *testing.T) {
	assert.Equal(t, "local-file.img", ResolveBase("local-file.img"))
}

func TestOutputSizeBytesAuto(t *testing.T) {
	var o Output
	sz, err := o.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(0), sz)

	o.Size = "auto"
	sz, err = o.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(0), sz)
}

func TestOutputSizeBytesHumanUnits(t *testing.T) {
	o := Output{Size: "16GiB"}
	sz, err := o.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(16)<<30, sz)
}

func TestOutputSizeBytesInvalid(t *testing.T) {
	o := Output{Size: "not-a-size"}
	_, err := o.SizeBytes()
	assert.Error(t, err)
}

func TestReadFromMinimal(t *testing.T) {
	text := []byte(`
base: 2.6
files:
  - to: /data/hello.txt
    content: "hi"
`)
	doc, err := ReadFrom(text)
	require.NoError(t, err)
	assert.Equal(t, "https://drive.offspot.it/base/base-image-2.6.img.xz", doc.Base)
	assert.Equal(t, "auto", doc.Output.Size)
	require.Len(t, doc.Files, 1)
	assert.Equal(t, "/data/hello.txt", doc.Files[0].To)
}

func TestReadFromNumericOutputSize(t *testing.T) {
	text := []byte(`
base: 2.6
output:
  size: 4294967296
`)
	doc, err := ReadFrom(text)
	require.NoError(t, err)
	assert.Equal(t, "4294967296", doc.Output.Size)
}

func TestReadFromStringOutputSize(t *testing.T) {
	text := []byte(`
base: 2.6
output:
  size: 8GiB
  shrink: true
`)
	doc, err := ReadFrom(text)
	require.NoError(t, err)
	assert.Equal(t, "8GiB", doc.Output.Size)
	assert.True(t, doc.Output.Shrink)
}

func TestReadFromRejectsFileWithBothURLAndContent(t *testing.T) {
	text := []byte(`
base: 2.6
files:
  - to: /data/hello.txt
    content: "hi"
    url: "https://example.com/hello.txt"
`)
	_, err := ReadFrom(text)
	assert.Error(t, err)
}

func TestReadFromRejectsFileWithNeitherURLNorContent(t *testing.T) {
	text := []byte(`
base: 2.6
files:
  - to: /data/hello.txt
`)
	_, err := ReadFrom(text)
	assert.Error(t, err)
}

func TestReadFromRejectsDuplicateTo(t *testing.T) {
	text := []byte(`
base: 2.6
files:
  - to: /data/hello.txt
    content: "hi"
  - to: /data/hello.txt
    content: "again"
`)
	_, err := ReadFrom(text)
	assert.Error(t, err)
}

func TestValidateDestinationsRejectsOutsideRoot(t *testing.T) {
	doc := &Document{Files: []File{{To: "/etc/passwd", Content: "x"}}}
	err := doc.ValidateDestinations("/data")
	assert.Error(t, err)
}

func TestValidateDestinationsAcceptsUnderRoot(t *testing.T) {
	doc := &Document{Files: []File{{To: "/data/sub/file", Content: "x"}}}
	err := doc.ValidateDestinations("/data")
	assert.NoError(t, err)
}
