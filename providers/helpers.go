package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxTokenResponseSize bounds how much of a token endpoint response is read.
const maxTokenResponseSize = 1 << 20

// OAuth2ConfigExchanger is an interface for the Exchange method of oauth2.Config.
// This allows us to create shared helper functions that work with any provider's config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE is a shared helper for exchanging authorization codes with PKCE.
// The verifier is sent as code_verifier when non-empty and httpClient is used for
// the token request.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// RefreshRequest describes a refresh_token grant against a token endpoint.
type RefreshRequest struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Scopes are sent as the space separated scope parameter when non-empty.
	// Providers that issue per-resource access tokens need it to pick the audience.
	Scopes []string
}

// RefreshWithScopes performs a refresh_token grant with client_secret_post
// authentication. OAuth error responses are returned as *oauth2.RetrieveError
// so callers can classify them with IsInteractionRequired.
func RefreshWithScopes(ctx context.Context, httpClient *http.Client, req RefreshRequest) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", req.RefreshToken)
	form.Set("client_id", req.ClientID)
	if req.ClientSecret != "" {
		form.Set("client_secret", req.ClientSecret)
	}
	if len(req.Scopes) > 0 {
		form.Set("scope", strings.Join(req.Scopes, " "))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	return parseTokenResponse(resp, body, time.Now())
}

// tokenResponse is the JSON body of a token endpoint response (RFC 6749 5.1 and 5.2).
type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresIn        expiresIn `json:"expires_in"`
	Error            string    `json:"error"`
	ErrorDescription string    `json:"error_description"`
	ErrorURI         string    `json:"error_uri"`
}

// expiresIn accepts both numeric and string encodings; some providers quote it.
type expiresIn int64

func (e *expiresIn) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n = json.Number(s)
	}
	if n == "" {
		return nil
	}
	i, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_in: %w", err)
	}
	*e = expiresIn(i)
	return nil
}

func parseTokenResponse(resp *http.Response, body []byte, now time.Time) (*oauth2.Token, error) {
	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || tr.Error != "" {
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        tr.Error,
			ErrorDescription: tr.ErrorDescription,
			ErrorURI:         tr.ErrorURI,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", decodeErr)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}

	token := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    int64(tr.ExpiresIn),
	}
	if tr.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	// Keep the raw fields reachable through Token.Extra (id_token, scope, ...).
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		token = token.WithExtra(raw)
	}
	return token, nil
}

// EnsureContextTimeout returns ctx unchanged when it already carries a deadline,
// otherwise a derived context bounded by timeout.
func EnsureContextTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
