// Package service implements the request translation between the inbound
// form and the upstream face analysis API.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/textproto"

	"github.com/go-playground/validator/v10"

	"faceapi-proxy-go/internal/client"
	"faceapi-proxy-go/internal/config"
	"faceapi-proxy-go/internal/model"
)

// ErrMissingImages is returned when any of image1, image2, image3 is absent.
var ErrMissingImages = errors.New("image1, image2, image3 are required")

// rawPreviewChars bounds the raw upstream body echoed back on a non-JSON reply.
const rawPreviewChars = 300

// outboundImageType is sent for every image part; the upload's own type is discarded.
const outboundImageType = "image/jpeg"

var validate = validator.New()

// Defaults are the values substituted for absent or empty v and t fields.
type Defaults struct {
	Version string
	Type    string
}

// ValueOrDefault returns v, or def when v is empty.
func ValueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// TranslatorService validates an AnalyzeRequest, forwards it to the upstream
// and interprets the reply.
type TranslatorService struct {
	client      *client.FaceAPIClient
	logger      *slog.Logger
	upstreamURL string
	defaults    Defaults
}

// NewTranslatorService creates a TranslatorService.
func NewTranslatorService(c *client.FaceAPIClient, cfg *config.Config, logger *slog.Logger) *TranslatorService {
	return &TranslatorService{
		client:      c,
		logger:      logger.With("component", "translator"),
		upstreamURL: cfg.Upstream.URL,
		defaults: Defaults{
			Version: cfg.Upload.DefaultVersion,
			Type:    cfg.Upload.DefaultType,
		},
	}
}

// Validate returns ErrMissingImages unless all three image parts are present.
func Validate(req *model.AnalyzeRequest) error {
	if req == nil {
		return ErrMissingImages
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return ErrMissingImages
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

// Translate sends one request upstream. Validation failures return
// ErrMissingImages before any network activity; transport failures are
// returned wrapped. Every upstream reply, including non-2xx and non-JSON
// ones, is returned as a result rather than an error.
func (s *TranslatorService) Translate(ctx context.Context, req *model.AnalyzeRequest) (*model.UpstreamResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	contentType, body, err := BuildPayload(req, s.defaults)
	if err != nil {
		return nil, err
	}

	s.logger.Info("forwarding request to upstream",
		"url", s.upstreamURL,
		"payload_bytes", body.Len(),
	)

	resp, err := s.client.Post(ctx, s.upstreamURL, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	result := Interpret(resp)

	switch result.Kind {
	case model.ResultNotJSON:
		s.logger.Error("non-JSON response from upstream",
			"status", resp.StatusCode,
			"content_type", resp.Header.Get("Content-Type"),
			"raw", result.Raw,
		)
	case model.ResultAPIError:
		s.logger.Error("upstream returned error status",
			"status", resp.StatusCode,
			"body", string(result.Body),
		)
	default:
		s.logger.Info("upstream response",
			"status", resp.StatusCode,
			"content_type", resp.Header.Get("Content-Type"),
			"bytes", len(resp.Body),
		)
	}

	return result, nil
}

// BuildPayload encodes req as a fresh multipart body: image1..3 as
// imageN.jpg with type image/jpeg, then v and t with defaults applied.
// It returns the Content-Type header (with boundary) and the body.
func BuildPayload(req *model.AnalyzeRequest, d Defaults) (string, *bytes.Buffer, error) {
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)

	for i, part := range req.Images() {
		if part == nil {
			continue
		}
		field := model.ImageFields[i]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s.jpg"`, field, field))
		h.Set("Content-Type", outboundImageType)

		pw, err := w.CreatePart(h)
		if err != nil {
			return "", nil, fmt.Errorf("create %s part: %w", field, err)
		}
		if _, err := pw.Write(part.Data); err != nil {
			return "", nil, fmt.Errorf("write %s part: %w", field, err)
		}
	}

	if err := w.WriteField(model.FieldVersion, ValueOrDefault(req.Version, d.Version)); err != nil {
		return "", nil, fmt.Errorf("write %s field: %w", model.FieldVersion, err)
	}
	if err := w.WriteField(model.FieldType, ValueOrDefault(req.Type, d.Type)); err != nil {
		return "", nil, fmt.Errorf("write %s field: %w", model.FieldType, err)
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close multipart body: %w", err)
	}

	return w.FormDataContentType(), body, nil
}

// Interpret classifies an upstream reply. The body must parse as JSON to be
// relayed; a 2xx status makes it a success, anything else an API error.
func Interpret(resp *model.UpstreamResponse) *model.UpstreamResult {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, resp.Body); err != nil {
		return &model.UpstreamResult{
			Kind:       model.ResultNotJSON,
			StatusCode: resp.StatusCode,
			Raw:        truncateChars(string(resp.Body), rawPreviewChars),
		}
	}

	kind := model.ResultSuccess
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind = model.ResultAPIError
	}

	return &model.UpstreamResult{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Body:       compacted.Bytes(),
	}
}

// truncateChars returns the first n characters of s.
func truncateChars(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
