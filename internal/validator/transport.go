package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const maxResponseBytes = 1 << 20

// Transport performs a single validation call against the authority.
type Transport interface {
	Validate(ctx context.Context, req entitlement.ValidationRequest) (entitlement.ValidationResponse, error)
}

// HTTPTransport posts validation requests as JSON.
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPTransport returns a transport for endpoint. A nil client uses
// http.DefaultClient.
func NewHTTPTransport(endpoint, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, token: token, client: client}
}

// Validate sends req and maps failures onto the entitlement error taxonomy.
func (t *HTTPTransport) Validate(ctx context.Context, req entitlement.ValidationRequest) (entitlement.ValidationResponse, error) {
	const op = "validate"
	var out entitlement.ValidationResponse

	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode validation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return out, enterrors.New(enterrors.KindNetworkUnavailable, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, enterrors.New(enterrors.KindValidationTimeout, op, err)
		}
		return out, enterrors.New(enterrors.KindNetworkUnavailable, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return out, enterrors.New(enterrors.KindNetworkUnavailable, op, fmt.Errorf("read response: %w", err))
	}

	if err := statusError(op, resp.StatusCode, payload); err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, enterrors.New(enterrors.KindServerUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if err := responseError(op, out); err != nil {
		return out, err
	}
	return out, nil
}

func statusError(op string, code int, payload []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	detail := fmt.Errorf("status %d: %s", code, snippet(payload))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return enterrors.New(enterrors.KindUnauthenticated, op, detail).WithStatusCode(code)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return enterrors.New(enterrors.KindInvalidReceipt, op, detail).WithStatusCode(code)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return enterrors.New(enterrors.KindValidationTimeout, op, detail).WithStatusCode(code)
	default:
		return enterrors.New(enterrors.KindServerUnavailable, op, detail).WithStatusCode(code)
	}
}

// responseError maps an error code carried in a 2xx body.
func responseError(op string, resp entitlement.ValidationResponse) error {
	code := strings.ToLower(strings.TrimSpace(resp.Error))
	switch code {
	case "":
		return nil
	case "unauthenticated", "unauthorized":
		return enterrors.New(enterrors.KindUnauthenticated, op, errors.New(resp.Error))
	case "invalid_receipt", "invalidreceipt":
		return enterrors.New(enterrors.KindInvalidReceipt, op, errors.New(resp.Error))
	default:
		if !resp.IsValid {
			// The authority answered; a plain rejection is a verdict, not an outage.
			return nil
		}
		return enterrors.New(enterrors.KindServerUnavailable, op, errors.New(resp.Error))
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
