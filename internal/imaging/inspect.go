// Package imaging describes uploaded image bytes for diagnostics.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"net/http"
	"strings"

	_ "golang.org/x/image/webp" // register WEBP decoder
)

// Info is what could be learned about an uploaded part without decoding pixels.
type Info struct {
	Format      string // decoder name, e.g. "jpeg"; empty when undecodable
	Width       int
	Height      int
	ContentType string // sniffed MIME type
}

// IsImage reports whether the sniffed content type is an image type.
func (i Info) IsImage() bool {
	return strings.HasPrefix(i.ContentType, "image/")
}

// Inspect sniffs data and reads the image header. The returned error is
// non-nil when the header cannot be decoded; Info.ContentType is always set.
func Inspect(data []byte) (Info, error) {
	info := Info{ContentType: http.DetectContentType(data)}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return info, fmt.Errorf("decode image header: %w", err)
	}

	info.Format = format
	info.Width = cfg.Width
	info.Height = cfg.Height
	return info, nil
}
