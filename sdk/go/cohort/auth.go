package cohort

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenSource supplies a bearer token for each request.
type tokenSource interface {
	token(ctx context.Context) (string, error)
}

type staticToken string

func (s staticToken) token(context.Context) (string, error) { return string(s), nil }

// keyExchange trades an operator key for a JWT and refreshes it shortly
// before it expires. It is safe for concurrent use.
type keyExchange struct {
	baseURL  string
	operator string
	key      string
	client   *http.Client
	margin   time.Duration

	mu        sync.Mutex
	current   string
	expiresAt time.Time
}

func (k *keyExchange) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.current != "" && time.Now().Before(k.expiresAt.Add(-k.margin)) {
		return k.current, nil
	}
	if err := k.refresh(ctx); err != nil {
		return "", err
	}
	return k.current, nil
}

func (k *keyExchange) refresh(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"operator": k.operator, "key": k.key})
	if err != nil {
		return fmt.Errorf("cohort: marshal auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cohort: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("cohort: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cohort: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp.StatusCode, raw)
	}

	var out struct {
		Data struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("cohort: decode auth response: %w", err)
	}
	k.current = out.Data.Token
	k.expiresAt = out.Data.ExpiresAt
	return nil
}
