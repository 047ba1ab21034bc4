package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/regsentinel/regsentinel/core/infra/schema"
)

// DraftRequest asks an external drafting service for replacement policy text.
type DraftRequest struct {
	ClauseText  string `json:"clause_text"`
	Regulation  string `json:"regulation"`
	PolicyTitle string `json:"policy_title"`
	PolicyText  string `json:"policy_text"`
}

// DraftResponse is the service's proposed rewrite.
type DraftResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// DraftService produces a rewritten policy text for a clause.
type DraftService interface {
	Draft(ctx context.Context, req DraftRequest) (*DraftResponse, error)
}

// Responses that fail this schema are discarded rather than repaired; the
// caller falls back to its own drafting.
const draftResponseSchema = `{
  "type": "object",
  "required": ["text", "confidence"],
  "properties": {
    "text": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"}
  },
  "additionalProperties": false
}`

// HTTPDraftService calls a drafting endpoint over HTTP with bounded retries.
type HTTPDraftService struct {
	baseURL string
	client  *http.Client
	retries int
}

// NewHTTPDraftService constructs a client. Retries counts attempts after the
// first; transport errors and 5xx responses retry, validation failures do not.
func NewHTTPDraftService(baseURL string, timeout time.Duration, retries int) *HTTPDraftService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPDraftService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

func (s *HTTPDraftService) Draft(ctx context.Context, req DraftRequest) (*DraftResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		resp, retryable, err := s.once(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("draft service: %w", lastErr)
}

func (s *HTTPDraftService) once(ctx context.Context, body []byte) (*DraftResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/draft", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	if httpResp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("status %d: %s", httpResp.StatusCode, truncate(payload, 200))
	}
	if err := schema.Validate("draft-response", []byte(draftResponseSchema), payload); err != nil {
		return nil, false, err
	}
	var out DraftResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, false, err
	}
	return &out, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
