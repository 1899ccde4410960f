package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/ehr/authority/internal/platform/fhir"
)

const (
	fhirJSON = "application/fhir+json"
	// maxSearchPages bounds how many "next" links Search follows.
	maxSearchPages = 50
	// maxErrorBody is how much of a failed response body is read for diagnostics.
	maxErrorBody = 64 * 1024
)

// RemoteOption configures a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteStore) { s.httpClient = c }
}

// WithBearerToken sends the token in the Authorization header of every request.
func WithBearerToken(token string) RemoteOption {
	return func(s *RemoteStore) { s.token = token }
}

// WithGzip compresses batch upsert bodies.
func WithGzip(enabled bool) RemoteOption {
	return func(s *RemoteStore) { s.gzip = enabled }
}

// RemoteStore is a Gateway over a FHIR R4 REST server. Batch upserts are sent
// as a Bundle of type "batch" holding one PUT per resource.
type RemoteStore struct {
	baseURL    string
	httpClient *http.Client
	token      string
	gzip       bool
}

func NewRemoteStore(baseURL string, opts ...RemoteOption) *RemoteStore {
	s := &RemoteStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type bundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type bundleEntry struct {
	Resource fhir.Resource `json:"resource"`
	Request  bundleRequest `json:"request"`
}

type batchBundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []bundleEntry `json:"entry"`
}

func (s *RemoteStore) UpsertBatch(ctx context.Context, resources []fhir.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	bundle := batchBundle{ResourceType: "Bundle", Type: "batch"}
	for _, r := range resources {
		bundle.Entry = append(bundle.Entry, bundleEntry{
			Resource: r,
			Request:  bundleRequest{Method: http.MethodPut, URL: resourcePath(r.Type(), r.ID())},
		})
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode batch bundle: %w", err)
	}

	var body io.Reader = bytes.NewReader(payload)
	if s.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("compress batch bundle: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress batch bundle: %w", err)
		}
		body = &buf
	}

	req, err := s.newRequest(ctx, http.MethodPost, s.baseURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", fhirJSON)
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	respBody, status, err := s.do(req)
	if err != nil {
		return fmt.Errorf("batch upsert: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("batch upsert: %s", describeFailure(status, respBody))
	}

	statuses := gjson.GetBytes(respBody, "entry.#.response.status").Array()
	if len(statuses) != len(resources) {
		return fmt.Errorf("batch upsert: expected %d entry responses, got %d", len(resources), len(statuses))
	}
	for i, st := range statuses {
		if !strings.HasPrefix(strings.TrimSpace(st.String()), "2") {
			diag := gjson.GetBytes(respBody, fmt.Sprintf("entry.%d.response.outcome.issue.0.diagnostics", i)).String()
			return fmt.Errorf("batch upsert: entry %s returned %q %s",
				resources[i].Key(), st.String(), diag)
		}
	}
	return nil
}

func (s *RemoteStore) Get(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"/"+resourcePath(resourceType, id), nil)
	if err != nil {
		return nil, err
	}
	body, status, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, ErrNotFound
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("get %s/%s: %s", resourceType, id, describeFailure(status, body))
	}
	r, err := fhir.ParseResource(body)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	return r, nil
}

func (s *RemoteStore) Delete(ctx context.Context, resourceType, id string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, s.baseURL+"/"+resourcePath(resourceType, id), nil)
	if err != nil {
		return err
	}
	body, status, err := s.do(req)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	case status < 200 || status >= 300:
		return fmt.Errorf("delete %s/%s: %s", resourceType, id, describeFailure(status, body))
	}
	return nil
}

// Search follows the searchset's "next" links until exhausted. Links that
// leave baseURL are refused so the bearer token never goes to another host.
func (s *RemoteStore) Search(ctx context.Context, resourceType string, ident fhir.Identifier) ([]fhir.Resource, error) {
	q := url.Values{}
	q.Set("identifier", ident.String())
	if ident.System == "" {
		q.Set("identifier", ident.Value)
	}
	next := s.baseURL + "/" + url.PathEscape(resourceType) + "?" + q.Encode()

	var out []fhir.Resource
	for page := 0; next != ""; page++ {
		if page == maxSearchPages {
			return nil, fmt.Errorf("search %s: %w (%d pages)", resourceType, ErrSearchTruncated, maxSearchPages)
		}
		req, err := s.newRequest(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		body, status, err := s.do(req)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", resourceType, err)
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("search %s: %s", resourceType, describeFailure(status, body))
		}
		for _, raw := range gjson.GetBytes(body, "entry.#.resource").Array() {
			r, err := fhir.ParseResource([]byte(raw.Raw))
			if err != nil {
				return nil, fmt.Errorf("search %s: %w", resourceType, err)
			}
			out = append(out, r)
		}
		next = gjson.GetBytes(body, `link.#(relation=="next").url`).String()
		if next != "" && !s.underBase(next) {
			return nil, fmt.Errorf("search %s: next link %q is outside %s", resourceType, next, s.baseURL)
		}
	}
	return out, nil
}

func (s *RemoteStore) underBase(link string) bool {
	return strings.HasPrefix(link, s.baseURL+"/") || strings.HasPrefix(link, s.baseURL+"?")
}

func (s *RemoteStore) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", fhirJSON)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

func (s *RemoteStore) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reader = io.LimitReader(resp.Body, maxErrorBody)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func resourcePath(resourceType, id string) string {
	return url.PathEscape(resourceType) + "/" + url.PathEscape(id)
}

// describeFailure renders a non-2xx response, preferring the diagnostics of
// an OperationOutcome body.
func describeFailure(status int, body []byte) string {
	if diag := gjson.GetBytes(body, "issue.0.diagnostics").String(); diag != "" {
		return fmt.Sprintf("status %d: %s", status, diag)
	}
	return fmt.Sprintf("status %d", status)
}
