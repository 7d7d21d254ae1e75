package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"faceapi-proxy-go/internal/imaging"
	"faceapi-proxy-go/internal/model"
)

// maxFieldBytes bounds a single non-file form value.
const maxFieldBytes = 64 << 10

// errFileTooLarge is returned when an image part exceeds upload.max_image_bytes.
var errFileTooLarge = errors.New("file too large")

// formError reports a multipart body the parser could not read.
type formError struct {
	err error
}

func (e *formError) Error() string { return e.err.Error() }
func (e *formError) Unwrap() error { return e.err }

// receivedPart describes one inbound part for the request log.
type receivedPart struct {
	name string
	size int64
	file bool
}

// readForm decodes the inbound multipart body into an AnalyzeRequest.
//
// Parts are streamed: an image part over the size limit fails as soon as the
// limit is crossed, before the rest of the body is read. The first file under
// each image field wins; any other part is ignored. A request that is not
// multipart at all decodes to an empty AnalyzeRequest so that it fails
// validation like any other request without images.
func (h *ProxyHandler) readForm(r *http.Request) (*model.AnalyzeRequest, error) {
	ar := &model.AnalyzeRequest{}

	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		h.logger.Warn("request is not multipart",
			"content_type", r.Header.Get("Content-Type"),
		)
		return ar, nil
	}
	if err != nil {
		return nil, &formError{err: err}
	}

	slots := map[string]**model.ImagePart{
		model.FieldImage1: &ar.Image1,
		model.FieldImage2: &ar.Image2,
		model.FieldImage3: &ar.Image3,
	}
	seenField := make(map[string]bool)
	var received []receivedPart

	for {
		p, err := mr.NextPart()
		if err == io.EOF { //nolint:errorlint // NextPart wraps io.EOF for a truncated body; only the bare value means done
			break
		}
		if err != nil {
			return nil, &formError{err: err}
		}

		name := p.FormName()
		if name == "" {
			_ = p.Close()
			continue
		}

		if p.FileName() == "" {
			value, err := readField(p)
			_ = p.Close()
			if err != nil {
				return nil, err
			}
			received = append(received, receivedPart{name: name, size: int64(len(value))})
			if seenField[name] {
				continue
			}
			seenField[name] = true
			switch name {
			case model.FieldVersion:
				ar.Version = value
			case model.FieldType:
				ar.Type = value
			}
			continue
		}

		slot, ok := slots[name]
		if !ok || *slot != nil {
			_ = p.Close()
			received = append(received, receivedPart{name: name, file: true, size: -1})
			h.logger.Debug("ignoring file part", "field", name, "filename", p.FileName())
			continue
		}

		part, err := h.readImage(p)
		_ = p.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*slot = part
		received = append(received, receivedPart{name: name, file: true, size: part.Size})
		h.metrics.ObserveUpload(name, part.Size)
	}

	h.logReceived(received)
	h.inspectImages(ar)
	return ar, nil
}

func (h *ProxyHandler) readImage(p *multipart.Part) (*model.ImagePart, error) {
	data, err := io.ReadAll(io.LimitReader(p, h.maxImageBytes+1))
	if err != nil {
		return nil, &formError{err: err}
	}
	if int64(len(data)) > h.maxImageBytes {
		return nil, errFileTooLarge
	}
	return &model.ImagePart{
		Filename:    p.FileName(),
		ContentType: p.Header.Get("Content-Type"),
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

func readField(p *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(p, maxFieldBytes+1))
	if err != nil {
		return "", &formError{err: err}
	}
	if len(data) > maxFieldBytes {
		return "", &formError{err: fmt.Errorf("field %q too long", p.FormName())}
	}
	return string(data), nil
}

func (h *ProxyHandler) logReceived(parts []receivedPart) {
	var fields, files []string
	for _, p := range parts {
		if p.file {
			if p.size < 0 {
				files = append(files, p.name+"(ignored)")
			} else {
				files = append(files, fmt.Sprintf("%s(%d)", p.name, p.size))
			}
			continue
		}
		fields = append(fields, p.name)
	}
	h.logger.Info("received request",
		"fields", strings.Join(fields, ","),
		"files", strings.Join(files, ","),
	)
}

// inspectImages logs what each received image decodes as. The bytes are
// forwarded unchanged whatever the result.
func (h *ProxyHandler) inspectImages(ar *model.AnalyzeRequest) {
	for i, part := range ar.Images() {
		if part == nil {
			continue
		}
		field := model.ImageFields[i]
		info, err := imaging.Inspect(part.Data)
		if err != nil {
			h.logger.Warn("uploaded part is not a decodable image",
				"field", field,
				"filename", part.Filename,
				"content_type", part.ContentType,
				"detected", info.ContentType,
			)
			continue
		}
		if !info.IsImage() {
			h.logger.Warn("image part has unexpected content type",
				"field", field,
				"filename", part.Filename,
				"format", info.Format,
				"detected", info.ContentType,
			)
		}
		h.logger.Debug("image part",
			"field", field,
			"filename", part.Filename,
			"format", info.Format,
			"width", info.Width,
			"height", info.Height,
			"bytes", part.Size,
		)
	}
}
