// Package buildconfig implements the Configuration file model (spec §6):
// base image, output options, declared OCI images and files, and the
// verbatim offspot document.
package buildconfig

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
)

// basePrefix is the known prefix shorthand base versions resolve against,
// grounded on original_source/inputs.py's get_base_from.
const basePrefix = "https://drive.offspot.it/base/base-image-"

var shorthandRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?[A-Za-z0-9_-]*$`)

// Output describes the `output` key of the configuration document.
type Output struct {
	Size     string // "auto" | int (bytes) | human size string
	Shrink   bool
	Compress bool
}

// SizeBytes resolves Size to a byte count; "auto" resolves to 0, meaning
// "computed from content during ComputeSizes".
func (o Output) SizeBytes() (int64, error) {
	if o.Size == "" || o.Size == "auto" {
		return 0, nil
	}
	var sz datasize.ByteSize
	if err := sz.UnmarshalText([]byte(o.Size)); err != nil {
		return 0, fmt.Errorf("buildconfig: output.size %q: %w", o.Size, err)
	}
	return int64(sz), nil
}

// OCIImage is one entry of the `oci_images` list.
type OCIImage struct {
	Ident    string `json:"ident"`
	URL      string `json:"url,omitempty"`
	FileSize int64  `json:"filesize"`
	FullSize int64  `json:"fullsize"`
}

// File is one entry of the `files` list.
type File struct {
	To      string `json:"to"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
	Via     string `json:"via,omitempty"` // direct | unzip | untar
	Size    int64  `json:"size,omitempty"`
}

// Document is the parsed configuration file.
type Document struct {
	Base      string                 `json:"base"`
	Output    Output                 `json:"output"`
	OCIImages []OCIImage             `json:"oci_images"`
	Files     []File                 `json:"files"`
	Offspot   map[string]interface{} `json:"offspot"`
}

type wireOutput struct {
	Size     interface{} `json:"size,omitempty"`
	Shrink   bool        `json:"shrink,omitempty"`
	Compress bool        `json:"compress,omitempty"`
}

type wireDocument struct {
	Base      string                 `json:"base"`
	Output    wireOutput             `json:"output"`
	OCIImages []OCIImage             `json:"oci_images"`
	Files     []File                 `json:"files"`
	Offspot   map[string]interface{} `json:"offspot"`
}

// ReadFrom parses and validates a configuration document.
func ReadFrom(text []byte) (*Document, error) {
	var w wireDocument
	if err := yaml.Unmarshal(text, &w); err != nil {
		return nil, fmt.Errorf("buildconfig: parse yaml: %w", err)
	}

	doc := &Document{
		Base:      ResolveBase(w.Base),
		OCIImages: w.OCIImages,
		Files:     w.Files,
		Offspot:   w.Offspot,
	}
	switch v := w.Output.Size.(type) {
	case string:
		doc.Output.Size = v
	case float64:
		doc.Output.Size = fmt.Sprintf("%d", int64(v))
	case nil:
		doc.Output.Size = "auto"
	default:
		return nil, fmt.Errorf("buildconfig: output.size has unsupported type %T", v)
	}
	doc.Output.Shrink = w.Output.Shrink
	doc.Output.Compress = w.Output.Compress

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// ResolveBase expands a shorthand "X.Y.Z[suffix]" base version against the
// known base-image prefix; a value that already looks like a URL is
// returned unchanged.
func ResolveBase(base string) string {
	if strings.Contains(base, "://") {
		return base
	}
	if shorthandRe.MatchString(base) {
		return basePrefix + base + ".img.xz"
	}
	return base
}

// ValidateDestinations ensures every file's `to` lies under root (the
// data-partition mount point), per spec §6.
func (d *Document) ValidateDestinations(root string) error {
	for i, f := range d.Files {
		if !strings.HasPrefix(f.To, root) {
			return fmt.Errorf("buildconfig: files[%d]: 'to' %q is not under %q", i, f.To, root)
		}
	}
	return nil
}

func (d *Document) validate() error {
	seenTo := make(map[string]bool, len(d.Files))
	for i, f := range d.Files {
		if f.To == "" {
			return fmt.Errorf("buildconfig: files[%d]: missing 'to'", i)
		}
		if seenTo[f.To] {
			return fmt.Errorf("buildconfig: files[%d]: duplicate 'to' %q", i, f.To)
		}
		seenTo[f.To] = true

		hasURL := f.URL != ""
		hasContent := f.Content != ""
		if hasURL == hasContent {
			return fmt.Errorf("buildconfig: files[%d] (%s): exactly one of url/content must be set", i, f.To)
		}
	}
	return nil
}
