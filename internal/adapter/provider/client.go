// Package provider talks to the upstream music service: device-code OAuth,
// session verification, catalog lookups, and stream-manifest extraction.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config carries the provider endpoints and app credentials.
type Config struct {
	AuthBaseURL  string
	APIBaseURL   string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client is the unauthenticated API core. Per-user calls go through
// UserClient.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client with traced transport.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// DeviceAuth is the pending device-code grant handed to the user.
type DeviceAuth struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Tokens is a completed or refreshed grant.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		UserID      json.Number `json:"userId"`
		CountryCode string      `json:"countryCode"`
	} `json:"user"`
}

// StartDeviceAuth begins the device-code flow.
func (c *Client) StartDeviceAuth(ctx context.Context) (DeviceAuth, error) {
	form := url.Values{
		"client_id": {c.cfg.ClientID},
		"scope":     {"r_usr w_usr"},
	}
	var out DeviceAuth
	err := c.postForm(ctx, c.cfg.AuthBaseURL+"/v1/oauth2/device_authorization", form, &out)
	if err != nil {
		return DeviceAuth{}, fmt.Errorf("op=provider.deviceauth: %w", err)
	}
	return out, nil
}

// PollDeviceToken exchanges the device code for tokens. While the user has
// not approved yet, the error wraps ErrAuthPending.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (Tokens, error) {
	form := url.Values{
		"client_id":   {c.cfg.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"scope":       {"r_usr w_usr"},
	}
	var out Tokens
	if err := c.postForm(ctx, c.cfg.AuthBaseURL+"/v1/oauth2/token", form, &out); err != nil {
		return Tokens{}, fmt.Errorf("op=provider.polltoken: %w", err)
	}
	return out, nil
}

// RefreshToken trades a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
		"scope":         {"r_usr w_usr"},
	}
	var out Tokens
	if err := c.postForm(ctx, c.cfg.AuthBaseURL+"/v1/oauth2/token", form, &out); err != nil {
		return Tokens{}, fmt.Errorf("op=provider.refresh: %w", err)
	}
	return out, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

// getJSON runs an authenticated GET with retries on transient failures.
func (c *Client) getJSON(ctx context.Context, accessToken, endpoint string, query url.Values, out any) error {
	op := func() error {
		u := endpoint
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		// An empty token means the public surface; those calls authenticate
		// with the app token in the query string instead.
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("provider: status=%d: %s", resp.StatusCode, body)
		}
		if err := decodeResponse(resp, out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

// decodeResponse parses either the success payload or the provider's error
// body, which comes in both {status,subStatus,userMessage} and OAuth
// {error,error_description} shapes.
func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiBody struct {
		Status      int    `json:"status"`
		SubStatus   int    `json:"subStatus"`
		UserMessage string `json:"userMessage"`
		OAuthError  string `json:"error"`
		Description string `json:"error_description"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: string(body)}
	if jsonErr := json.Unmarshal(body, &apiBody); jsonErr == nil {
		if apiBody.SubStatus != 0 {
			apiErr.SubStatus = apiBody.SubStatus
		}
		switch {
		case apiBody.UserMessage != "":
			apiErr.Message = apiBody.UserMessage
		case apiBody.OAuthError != "":
			apiErr.Message = apiBody.OAuthError
			if apiBody.Description != "" {
				apiErr.Message += ": " + apiBody.Description
			}
		}
	}
	return apiErr
}
