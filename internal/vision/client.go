// Package vision предоставляет клиент внешней системы распознавания показаний
// счётчика. Сервис трактует её ответ только как подсказку оператору.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/kioskcash-system/internal/model"
	"github.com/mmeshcher/kioskcash-system/internal/validation"
)

// Client инкапсулирует HTTP-взаимодействие с системой распознавания.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ReadRequest описывает запрос на распознавание одного снимка счётчика.
type ReadRequest struct {
	ImageURL  string `json:"image_url"`
	MachineID string `json:"machine_id,omitempty"`
}

// ReadResult описывает ответ системы распознавания по одному снимку.
type ReadResult struct {
	CandidateValue string                 `json:"candidate_value"`
	Condition      model.MachineCondition `json:"condition"`
	Confidence     float64                `json:"confidence"`
	Model          string                 `json:"model,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
}

// Candidate возвращает распознанное показание числом. Второе значение ложно,
// если строка не является корректной записью счётчика.
func (r *ReadResult) Candidate() (int64, bool) {
	if !validation.IsValidCounterReading(r.CandidateValue) {
		return 0, false
	}
	v, err := strconv.ParseInt(r.CandidateValue, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// NewClient создаёт HTTP-клиент системы распознавания по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ReadCounter запрашивает распознавание показания по ссылке на снимок.
// Возвращает результат, HTTP-статус и задержку из Retry-After при 429.
func (c *Client) ReadCounter(ctx context.Context, req ReadRequest) (*ReadResult, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("vision client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("marshal request: %w", err)
	}

	url := base + "/api/reads"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result ReadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	if result.Condition == "" {
		result.Condition = model.ConditionUnknown
	}

	return &result, resp.StatusCode, 0, nil
}
