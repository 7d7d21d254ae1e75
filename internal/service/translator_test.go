package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceapi-proxy-go/internal/client"
	"faceapi-proxy-go/internal/config"
	"faceapi-proxy-go/internal/model"
)

var testDefaults = Defaults{Version: "1.1", Type: "imhla10"}

// outboundForm is what the fake upstream saw.
type outboundForm struct {
	Files  map[string]outboundFile
	Fields map[string]string
	Order  []string
}

type outboundFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// parseOutbound decodes a multipart body produced by BuildPayload.
func parseOutbound(t *testing.T, contentType string, body io.Reader) outboundForm {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	form := outboundForm{Files: map[string]outboundFile{}, Fields: map[string]string{}}
	mr := multipart.NewReader(body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(p)
		require.NoError(t, err)

		form.Order = append(form.Order, p.FormName())
		if p.FileName() != "" {
			form.Files[p.FormName()] = outboundFile{
				Filename:    p.FileName(),
				ContentType: p.Header.Get("Content-Type"),
				Data:        data,
			}
		} else {
			form.Fields[p.FormName()] = string(data)
		}
	}
	return form
}

func fullRequest() *model.AnalyzeRequest {
	return &model.AnalyzeRequest{
		Image1: &model.ImagePart{Filename: "front.png", ContentType: "image/png", Data: []byte("one")},
		Image2: &model.ImagePart{Filename: "left.webp", ContentType: "image/webp", Data: []byte("two")},
		Image3: &model.ImagePart{Filename: "right", ContentType: "application/octet-stream", Data: []byte("three")},
	}
}

func newTestService(t *testing.T, upstreamURL string) *TranslatorService {
	t.Helper()
	insecure := true
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			URL:                upstreamURL,
			TimeoutSeconds:     10,
			IdleConnections:    10,
			MaxResponseBytes:   1 << 20,
			InsecureSkipVerify: &insecure,
		},
		Upload: config.UploadConfig{DefaultVersion: "1.1", DefaultType: "imhla10"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTranslatorService(client.NewFaceAPIClient(cfg, logger, nil), cfg, logger)
}

func TestValueOrDefault(t *testing.T) {
	assert.Equal(t, "1.1", ValueOrDefault("", "1.1"))
	assert.Equal(t, "2.0", ValueOrDefault("2.0", "1.1"))
	assert.Equal(t, " ", ValueOrDefault(" ", "1.1"), "whitespace is a value, not absence")
}

func TestValidate(t *testing.T) {
	part := &model.ImagePart{Data: []byte("x")}
	tests := []struct {
		name    string
		req     *model.AnalyzeRequest
		wantErr bool
	}{
		{"all present", &model.AnalyzeRequest{Image1: part, Image2: part, Image3: part}, false},
		{"missing image1", &model.AnalyzeRequest{Image2: part, Image3: part}, true},
		{"missing image2", &model.AnalyzeRequest{Image1: part, Image3: part}, true},
		{"missing image3", &model.AnalyzeRequest{Image1: part, Image2: part}, true},
		{"none", &model.AnalyzeRequest{Version: "2.0"}, true},
		{"nil request", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMissingImages)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildPayload_DefaultsAndFixedMetadata(t *testing.T) {
	contentType, body, err := BuildPayload(fullRequest(), testDefaults)
	require.NoError(t, err)

	form := parseOutbound(t, contentType, body)

	assert.Equal(t, []string{"image1", "image2", "image3", "v", "t"}, form.Order)
	for i, field := range model.ImageFields {
		f, ok := form.Files[field]
		require.True(t, ok, "missing %s", field)
		assert.Equal(t, field+".jpg", f.Filename)
		assert.Equal(t, "image/jpeg", f.ContentType)
		assert.Equal(t, fullRequest().Images()[i].Data, f.Data)
	}
	assert.Equal(t, "1.1", form.Fields["v"])
	assert.Equal(t, "imhla10", form.Fields["t"])
}

func TestBuildPayload_ExplicitFields(t *testing.T) {
	req := fullRequest()
	req.Version = "2.0"
	req.Type = "imhst"

	contentType, body, err := BuildPayload(req, testDefaults)
	require.NoError(t, err)

	form := parseOutbound(t, contentType, body)
	assert.Equal(t, "2.0", form.Fields["v"])
	assert.Equal(t, "imhst", form.Fields["t"])
}

func TestBuildPayload_BinaryDataUnchanged(t *testing.T) {
	blob := make([]byte, 4096)
	for i := range blob {
		blob[i] = byte(i)
	}
	req := fullRequest()
	req.Image2.Data = blob

	contentType, body, err := BuildPayload(req, testDefaults)
	require.NoError(t, err)

	form := parseOutbound(t, contentType, body)
	assert.True(t, bytes.Equal(blob, form.Files["image2"].Data))
}

func TestInterpret(t *testing.T) {
	long := strings.Repeat("x", 500)
	multibyte := strings.Repeat("é", 400)

	tests := []struct {
		name     string
		status   int
		body     string
		wantKind model.ResultKind
		wantBody string
		wantRaw  string
	}{
		{"success", 200, `{"result":"ok"}`, model.ResultSuccess, `{"result":"ok"}`, ""},
		{"success compacted", 201, "{\n  \"result\": \"ok\"\n}\n", model.ResultSuccess, `{"result":"ok"}`, ""},
		{"api error", 422, `{"error":"bad face"}`, model.ResultAPIError, `{"error":"bad face"}`, ""},
		{"api error null body", 500, `null`, model.ResultAPIError, `null`, ""},
		{"redirect status is not success", 304, `{}`, model.ResultAPIError, `{}`, ""},
		{"not json", 200, "not json", model.ResultNotJSON, "", "not json"},
		{"not json on error status", 503, "<html>down</html>", model.ResultNotJSON, "", "<html>down</html>"},
		{"empty body", 200, "", model.ResultNotJSON, "", ""},
		{"raw truncated", 200, long, model.ResultNotJSON, "", long[:300]},
		{"raw truncated by characters", 200, multibyte, model.ResultNotJSON, "", strings.Repeat("é", 300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interpret(&model.UpstreamResponse{StatusCode: tt.status, Body: []byte(tt.body)})
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.status, got.StatusCode)
			if tt.wantKind == model.ResultNotJSON {
				assert.Equal(t, tt.wantRaw, got.Raw)
				assert.Nil(t, got.Body)
			} else {
				assert.Equal(t, tt.wantBody, string(got.Body))
			}
		})
	}
}

func TestTranslate_HappyPath(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form := parseOutbound(t, r.Header.Get("Content-Type"), r.Body)
		assert.Equal(t, "1.1", form.Fields["v"])
		assert.Equal(t, "imhla10", form.Fields["t"])
		assert.Len(t, form.Files, 3)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL+"/api")

	res, err := svc.Translate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, res.Kind)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"result":"ok"}`, string(res.Body))
}

func TestTranslate_VersionPassedThrough(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form := parseOutbound(t, r.Header.Get("Content-Type"), r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{"v": form.Fields["v"], "t": form.Fields["t"]})
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)
	req := fullRequest()
	req.Version = "2.0"

	res, err := svc.Translate(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"2.0","t":"imhla10"}`, string(res.Body))
}

func TestTranslate_MissingImagesSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)
	req := fullRequest()
	req.Image3 = nil

	_, err := svc.Translate(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingImages)
	assert.Zero(t, calls.Load(), "upstream must not be called")
}

func TestTranslate_APIError(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad face"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	res, err := svc.Translate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.Equal(t, model.ResultAPIError, res.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.JSONEq(t, `{"error":"bad face"}`, string(res.Body))
}

func TestTranslate_NotJSON(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	res, err := svc.Translate(context.Background(), fullRequest())
	require.NoError(t, err)
	assert.Equal(t, model.ResultNotJSON, res.Kind)
	assert.Equal(t, "not json", res.Raw)
}

func TestTranslate_TransportError(t *testing.T) {
	svc := newTestService(t, "https://127.0.0.1:1/api")

	_, err := svc.Translate(context.Background(), fullRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingImages)
	assert.Contains(t, err.Error(), "forward to upstream")
}

func TestTranslate_ConcurrentRequestsIsolated(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form := parseOutbound(t, r.Header.Get("Content-Type"), r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"v":      form.Fields["v"],
			"image1": string(form.Files["image1"].Data),
		})
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := fullRequest()
			req.Version = fmt.Sprintf("v%d", i)
			req.Image1 = &model.ImagePart{Data: []byte(fmt.Sprintf("img-%d", i))}

			res, err := svc.Translate(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			var got map[string]string
			if err := json.Unmarshal(res.Body, &got); err != nil {
				errs <- err
				return
			}
			if got["v"] != req.Version || got["image1"] != fmt.Sprintf("img-%d", i) {
				errs <- fmt.Errorf("request %d got %v", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
