package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/mimemail/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the message is sent from.
	Sender string
}

// Provider sends MIME messages via the Microsoft Graph API using OAuth2
// client credentials authentication.
type Provider struct {
	sendMailURL string
	httpClient  *http.Client
	token       *tokenCache
}

// New creates a new Provider with the given configuration.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	sendMailURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)

	client := &http.Client{Timeout: 30 * time.Second}
	return newWithOverrides(cfg, sendMailURL, tokenURL, client)
}

// newWithOverrides creates a Provider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, sendMailURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		sendMailURL: sendMailURL,
		httpClient:  client,
		token:       newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Transmit submits the payload in MIME format. Graph expects the whole
// message base64 encoded with a text/plain content type. A 401 triggers a
// single token refresh and resubmission.
func (g *Provider) Transmit(ctx context.Context, payload *email.Payload) error {
	encoded := []byte(base64.StdEncoding.EncodeToString(payload.Bytes()))

	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	err = g.doSendRequest(ctx, token, encoded)

	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.StatusCode == http.StatusUnauthorized {
		slog.Info("refreshing Graph API token after 401")
		token, err = g.token.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("token refresh failed: %w", err)
		}
		err = g.doSendRequest(ctx, token, encoded)
	}

	return err
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return "msgraph"
}

// doSendRequest performs one POST to the sendMail endpoint.
func (g *Provider) doSendRequest(ctx context.Context, token string, encoded []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendMailURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Graph API request: %w", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var errResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return &SendError{StatusCode: resp.StatusCode, Code: errResp.Error.Code, Message: errResp.Error.Message}
	}
	return &SendError{StatusCode: resp.StatusCode, Message: string(body)}
}

// SendError is a non-success response from the sendMail endpoint.
type SendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}
