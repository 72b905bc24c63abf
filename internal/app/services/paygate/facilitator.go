package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mintworks-ai/creditgate/internal/app/domain/payment"
	"github.com/mintworks-ai/creditgate/internal/app/metrics"
)

// Facilitator verifies and settles pay-per-call payment proofs.
type Facilitator interface {
	Verify(ctx context.Context, proof payment.Proof, req payment.Requirements) (payment.VerifyResult, error)
	Settle(ctx context.Context, proof payment.Proof, req payment.Requirements) (payment.SettleResult, error)
}

// FacilitatorConfig holds connection and auth settings for the HTTP
// facilitator.
type FacilitatorConfig struct {
	BaseURL string `yaml:"base_url"`
	// Secret signs the short-lived bearer token presented on every call.
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Timeout  time.Duration `yaml:"timeout"`

	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// HTTPFacilitator talks to an external facilitator over HTTP.
type HTTPFacilitator struct {
	cfg        FacilitatorConfig
	httpClient *http.Client
}

var _ Facilitator = (*HTTPFacilitator)(nil)

// NewHTTPFacilitator constructs a facilitator client.
func NewHTTPFacilitator(cfg FacilitatorConfig) (*HTTPFacilitator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("facilitator base URL required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("facilitator secret required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 120 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	return &HTTPFacilitator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type facilitatorRequest struct {
	Proof        payment.Proof        `json:"proof"`
	Requirements payment.Requirements `json:"requirements"`
}

// Verify asks the facilitator whether the proof satisfies the requirements.
// Transient failures are retried with backoff; a definitive invalid answer
// is not.
func (f *HTTPFacilitator) Verify(ctx context.Context, proof payment.Proof, req payment.Requirements) (payment.VerifyResult, error) {
	var result payment.VerifyResult
	err := f.postWithRetry(ctx, "/verify", facilitatorRequest{Proof: proof, Requirements: req}, &result)
	if err != nil {
		metrics.FacilitatorCall("verify", "error")
		return payment.VerifyResult{}, err
	}
	if result.Valid {
		metrics.FacilitatorCall("verify", "valid")
	} else {
		metrics.FacilitatorCall("verify", "invalid")
	}
	return result, nil
}

// Settle collects the payment. It is sent exactly once from this process;
// idempotency across retries of the whole request lives with the
// facilitator, which reports AlreadySettled instead of double-collecting.
func (f *HTTPFacilitator) Settle(ctx context.Context, proof payment.Proof, req payment.Requirements) (payment.SettleResult, error) {
	var result payment.SettleResult
	if err := f.post(ctx, "/settle", facilitatorRequest{Proof: proof, Requirements: req}, &result); err != nil {
		metrics.FacilitatorCall("settle", "error")
		return payment.SettleResult{}, err
	}
	if result.Success {
		metrics.FacilitatorCall("settle", "ok")
	} else {
		metrics.FacilitatorCall("settle", "failed")
	}
	return result, nil
}

func (f *HTTPFacilitator) postWithRetry(ctx context.Context, path string, body, out interface{}) error {
	backoff := f.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retryable, err := f.tryPost(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("facilitator unavailable after %d attempts: %w", f.cfg.MaxRetries+1, lastErr)
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, body, out interface{}) error {
	_, err := f.tryPost(ctx, path, body, out)
	return err
}

func (f *HTTPFacilitator) tryPost(ctx context.Context, path string, body, out interface{}) (retryable bool, err error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	// The bearer token is minted fresh for every call; its validity window
	// is shorter than any sane cache would hold it.
	token, err := f.bearerToken()
	if err != nil {
		return false, fmt.Errorf("mint facilitator token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("facilitator request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("read facilitator response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("facilitator status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("facilitator status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return false, fmt.Errorf("decode facilitator response: %w", err)
	}
	return false, nil
}

func (f *HTTPFacilitator) bearerToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    f.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(f.cfg.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(f.cfg.Secret))
}
