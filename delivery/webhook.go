package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/internal/tlsutil"
)

// WebhookPublisher posts result payloads to HTTP destinations.
type WebhookPublisher interface {
	Publish(ctx context.Context, url string, body []byte) Result
}

// WebhookSink delivers results via HTTP POST.
type WebhookSink struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink creates a sink with a hardened transport. timeout defaults
// to 30s.
func NewWebhookSink(timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "webhook_sink")),
	}
}

// Publish posts body as JSON and classifies the response.
func (s *WebhookSink) Publish(ctx context.Context, url string, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(OutcomeOther, fmt.Sprintf("failed to build webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024)) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return success()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{
			Outcome:    OutcomeAuthorizationError,
			StatusCode: resp.StatusCode,
			ErrorMsg:   fmt.Sprintf("webhook returned status %d", resp.StatusCode),
		}
	default:
		return Result{
			Outcome:    OutcomeHTTPStatusNot2xx,
			StatusCode: resp.StatusCode,
			ErrorMsg:   fmt.Sprintf("webhook returned status %d", resp.StatusCode),
		}
	}
}

// classifyTransportError maps a failed HTTP round trip onto the outcome set.
func classifyTransportError(err error) Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return failure(OutcomeTimeout, err.Error())
	case errors.As(err, &netErr) && netErr.Timeout():
		return failure(OutcomeTimeout, err.Error())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return failure(OutcomeConnectionError, err.Error())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure(OutcomeConnectionError, err.Error())
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return failure(OutcomeConnectionError, err.Error())
	}
	return failure(OutcomeOther, err.Error())
}
