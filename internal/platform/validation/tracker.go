package validation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/authority/internal/platform/fhir"
)

// Report describes one failed validation.
type Report struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenantId"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	Message      string                 `json:"message"`
	Outcome      *fhir.OperationOutcome `json:"outcome,omitempty"`
	ReportedAt   time.Time              `json:"reportedAt"`
}

// NewReport builds the report for a failed result.
func NewReport(tenantID string, r fhir.Resource, result Result) Report {
	return Report{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ResourceType: r.Type(),
		ResourceID:   r.ID(),
		Message:      result.Message,
		Outcome:      result.Outcome,
		ReportedAt:   time.Now().UTC(),
	}
}

// Tracker records validation failures with an issue tracking service. Report
// never blocks the caller on delivery and never fails.
type Tracker interface {
	Report(ctx context.Context, report Report)
}

// LogTracker writes reports to the log. It is used when no tracking service
// is configured.
type LogTracker struct {
	logger zerolog.Logger
}

func NewLogTracker(logger zerolog.Logger) *LogTracker {
	return &LogTracker{logger: logger}
}

func (t *LogTracker) Report(_ context.Context, report Report) {
	t.logger.Warn().
		Str("tenant_id", report.TenantID).
		Str("resource_type", report.ResourceType).
		Str("resource_id", report.ResourceID).
		Str("report_id", report.ID).
		Msg("validation failed: " + report.Message)
}

// SignPayload returns the hex-encoded HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// TrackerOption configures an HTTPTracker.
type TrackerOption func(*HTTPTracker)

func WithTrackerHTTPClient(c *http.Client) TrackerOption {
	return func(t *HTTPTracker) { t.httpClient = c }
}

// HTTPTracker posts each report as JSON to a tracking endpoint in the
// background. When a secret is set the body is signed in the X-Signature
// header as "sha256=<hex>".
type HTTPTracker struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

func NewHTTPTracker(url, secret string, logger zerolog.Logger, opts ...TrackerOption) *HTTPTracker {
	t := &HTTPTracker{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Report sends the report asynchronously. Delivery outlives the request
// context so a finished request does not cancel it.
func (t *HTTPTracker) Report(ctx context.Context, report Report) {
	ctx = context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.send(ctx, report); err != nil {
			t.logger.Error().Err(err).
				Str("tenant_id", report.TenantID).
				Str("resource_type", report.ResourceType).
				Str("resource_id", report.ResourceID).
				Msg("failed to deliver validation report")
		}
	}()
}

// Wait blocks until every pending report has been delivered or has failed.
func (t *HTTPTracker) Wait() {
	t.wg.Wait()
}

func (t *HTTPTracker) send(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Report-ID", report.ID)
	if t.secret != "" {
		req.Header.Set("X-Signature", "sha256="+SignPayload(payload, t.secret))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
	return nil
}
