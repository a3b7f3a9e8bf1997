package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultSessionURL is the vendor endpoint that mints ephemeral session
// credentials from a long-lived API key.
const DefaultSessionURL = "https://api.openai.com/v1/realtime/sessions"

// defaultBootstrapTimeout bounds the token mint when the caller supplies no
// HTTP client. A hung POST must not hold the session open indefinitely.
const defaultBootstrapTimeout = 15 * time.Second

// ClientSecret is the short-lived credential returned by [Bootstrap]. It
// authenticates exactly one duplex session and expires server-side.
type ClientSecret struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the secret is non-empty and not yet expired. A zero
// expiry means the vendor did not report one and the secret is assumed live.
func (s ClientSecret) Valid() bool {
	if s.Value == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || time.Now().Before(s.ExpiresAt)
}

type bootstrapRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type bootstrapResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Bootstrap exchanges the long-lived API key for an ephemeral client secret
// by POSTing to the vendor's session-creation endpoint. The long-lived key
// never touches the duplex connection.
//
// Non-2xx responses yield an [*AuthError]; a success response without a
// client secret yields a [*ConfigError].
func Bootstrap(ctx context.Context, httpc *http.Client, sessionURL, apiKey, model, voice string) (ClientSecret, error) {
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultBootstrapTimeout}
	}
	if sessionURL == "" {
		sessionURL = DefaultSessionURL
	}

	body, err := json.Marshal(bootstrapRequest{Model: model, Voice: voice})
	if err != nil {
		return ClientSecret{}, fmt.Errorf("realtime: marshal bootstrap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, bytes.NewReader(body))
	if err != nil {
		return ClientSecret{}, fmt.Errorf("realtime: build bootstrap request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		return ClientSecret{}, fmt.Errorf("realtime: bootstrap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ClientSecret{}, &AuthError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var parsed bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ClientSecret{}, &ConfigError{Reason: fmt.Sprintf("decode bootstrap response: %v", err)}
	}
	if parsed.ClientSecret.Value == "" {
		return ClientSecret{}, &ConfigError{Reason: "bootstrap response missing client_secret.value"}
	}

	secret := ClientSecret{Value: parsed.ClientSecret.Value}
	if parsed.ClientSecret.ExpiresAt > 0 {
		secret.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0)
	}
	return secret, nil
}
