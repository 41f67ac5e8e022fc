package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/lazypower/vigil/internal/errors"
)

// HTTP posts scoring requests as JSON to a remote service and expects
// {"score": float, "source": string} back.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates a client for the service at url.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTP{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Score sends req to the service.
func (h *HTTP) Score(ctx context.Context, req Request) (Score, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Score{}, errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Score{}, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Score{}, errors.Wrap(err, "classifier api")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Score{}, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return Score{}, errors.Newf("classifier api status %d: %s", resp.StatusCode, respBody)
	}

	var s Score
	if err := json.Unmarshal(respBody, &s); err != nil {
		return Score{}, errors.Wrap(err, "decode response")
	}
	if s.Value < 0 || s.Value > 1 {
		return Score{}, errors.Validationf("classifier score %v outside [0,1]", s.Value)
	}
	if s.Source == "" {
		s.Source = "http"
	}
	return s, nil
}
