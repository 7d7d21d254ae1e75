package handler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"

	"github.com/labstack/echo/v4"

	"faceapi-proxy-go/internal/client"
	"faceapi-proxy-go/internal/config"
	"faceapi-proxy-go/internal/metrics"
	"faceapi-proxy-go/internal/model"
	"faceapi-proxy-go/internal/service"
)

const msgNotJSON = "Upstream API did not return JSON"

// ProxyHandler accepts the three-image form and relays it to the upstream face API.
type ProxyHandler struct {
	service       *service.TranslatorService
	logger        *slog.Logger
	metrics       *metrics.Metrics
	maxImageBytes int64
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(svc *service.TranslatorService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:       svc,
		logger:        logger.With("component", "proxy_handler"),
		metrics:       m,
		maxImageBytes: cfg.Upload.MaxImageBytes,
	}
}

// Handle decodes the inbound form, forwards it upstream and writes the
// translated reply.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	ar, err := h.readForm(req)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := h.service.Translate(req.Context(), ar)
	if err != nil {
		return h.mapError(c, err)
	}

	switch res.Kind {
	case model.ResultSuccess:
		h.metrics.ObserveOutcome(metrics.OutcomeSuccess)
		return c.JSONBlob(http.StatusOK, res.Body)

	case model.ResultAPIError:
		h.metrics.ObserveOutcome(metrics.OutcomeAPIError)
		body := model.NewErrorResponse(fmt.Sprintf("API error: %d", res.StatusCode))
		body.Details = res.Body
		return c.JSON(res.StatusCode, body)

	default:
		h.metrics.ObserveOutcome(metrics.OutcomeNotJSON)
		body := model.NewErrorResponse(msgNotJSON)
		raw := res.Raw
		body.Raw = &raw
		return c.JSON(http.StatusBadGateway, body)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	// Errors raised by echo middleware (the body limit) go to the central error handler.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code == http.StatusRequestEntityTooLarge {
			h.metrics.ObserveOutcome(metrics.OutcomeTooLarge)
		}
		h.logger.Warn("request rejected", "err", err, "status", he.Code)
		return he
	}

	if errors.Is(err, service.ErrMissingImages) {
		h.metrics.ObserveOutcome(metrics.OutcomeValidationError)
		h.logger.Warn("missing images", "path", c.Request().URL.Path)
		return c.JSON(http.StatusBadRequest, model.NewErrorResponse(service.ErrMissingImages.Error()))
	}

	if errors.Is(err, errFileTooLarge) {
		h.metrics.ObserveOutcome(metrics.OutcomeTooLarge)
		h.logger.Warn("upload rejected", "err", err, "limit_bytes", h.maxImageBytes)
		body := model.NewErrorResponse("File too large")
		body.Code = "LIMIT_FILE_SIZE"
		body.Type = "PayloadTooLargeError"
		return c.JSON(http.StatusRequestEntityTooLarge, body)
	}

	var fe *formError
	if errors.As(err, &fe) {
		h.metrics.ObserveOutcome(metrics.OutcomeValidationError)
		h.logger.Warn("malformed multipart body", "err", err)
		body := model.NewErrorResponse(fe.Error())
		body.Type = "MultipartError"
		return c.JSON(http.StatusBadRequest, body)
	}

	h.metrics.ObserveOutcome(metrics.OutcomeTransportError)
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	status, body := classifyError(err)
	return c.JSON(status, body)
}

// classifyError maps a failed upstream call to a status and response body.
func classifyError(err error) (int, *model.ErrorResponse) {
	body := model.NewErrorResponse(err.Error())

	if errors.Is(err, context.DeadlineExceeded) {
		body.Message = "upstream request timed out"
		body.Code = "ETIMEDOUT"
		body.Type = "TimeoutError"
		return http.StatusGatewayTimeout, body
	}

	if errors.Is(err, context.Canceled) {
		body.Message = "client disconnected"
		body.Code = "ECONNABORTED"
		body.Type = "AbortError"
		return http.StatusBadGateway, body
	}

	if errors.Is(err, client.ErrResponseTooLarge) {
		body.Message = "upstream response too large"
		body.Code = "RESPONSE_TOO_LARGE"
		body.Type = "UpstreamError"
		return http.StatusBadGateway, body
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		body.Code = "ENOTFOUND"
		body.Type = "DNSError"
		return http.StatusInternalServerError, body
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		body.Message = "upstream request timed out"
		body.Code = "ETIMEDOUT"
		body.Type = "TimeoutError"
		return http.StatusGatewayTimeout, body
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		body.Code = "ECONNREFUSED"
		body.Type = "ConnectionError"
		return http.StatusInternalServerError, body
	case errors.Is(err, syscall.ECONNRESET):
		body.Code = "ECONNRESET"
		body.Type = "ConnectionError"
		return http.StatusInternalServerError, body
	}

	if isTLSError(err) {
		body.Code = "TLS_ERROR"
		body.Type = "TLSError"
		return http.StatusInternalServerError, body
	}

	body.Type = "Error"
	return http.StatusInternalServerError, body
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		hostnameErr  x509.HostnameError
		authorityErr x509.UnknownAuthorityError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &invalidErr)
}
