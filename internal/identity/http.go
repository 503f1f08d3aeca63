package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider validates credentials against a remote account service,
// e.g. the assist server of a larger deployment.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider talking to baseURL/authentication.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"KEY"`
	Client string `json:"client,omitempty"`
}

type authResponse struct {
	Result       string                        `json:"result"`
	UserID       string                        `json:"uid"`
	Name         string                        `json:"user_name_short"`
	Roles        []string                      `json:"user_roles"`
	SharedAccess map[string][]SharedAccessItem `json:"shared_access"`
	ErrorCode    int                           `json:"error_code"`
}

// Authenticate implements Provider.
func (p *HTTPProvider) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	body, err := json.Marshal(authRequest{
		Action: "check",
		Key:    creds.UserID + ";" + creds.Password,
		Client: creds.ClientInfo,
	})
	if err != nil {
		return nil, ErrBackendError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/authentication", bytes.NewReader(body))
	if err != nil {
		return nil, ErrBackendError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, ErrBackendError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to body check
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrWrongCredentials()
	case http.StatusTooManyRequests:
		return nil, ErrTooManyRequests()
	default:
		return nil, ErrBackendError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, ErrBackendError(err)
	}
	if ar.Result != "SUCCESS" {
		if ar.ErrorCode == CodeTooManyRequests {
			return nil, ErrTooManyRequests()
		}
		return nil, ErrWrongCredentials()
	}
	return &Identity{
		UserID:       ar.UserID,
		Name:         ar.Name,
		Roles:        ar.Roles,
		SharedAccess: ar.SharedAccess,
	}, nil
}
