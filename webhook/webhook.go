// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package webhook calls a hosted workflow automation endpoint that turns a
// prompt into an image. It is the fallback when the self-hosted server is
// down, and knows nothing about how the image gets made.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrBadResponse means the endpoint answered with a shape we cannot use.
var ErrBadResponse = errors.New("unexpected webhook response")

// PolicyError is a content rejection from the hosted backend. It carries
// the human readable reason verbatim so the UI can show it.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "content policy violation: " + e.Reason
}

// Options for New.
type Options struct {
	// URL of the webhook. Basic auth credentials are separate on purpose so
	// the URL can go in the config file and the secret in the environment.
	URL      string
	User     string
	Password string

	_ struct{}
}

// Request is the payload the webhook expects.
type Request struct {
	Prompt      string `json:"prompt"`
	UserID      string `json:"userId"`
	ChannelID   string `json:"channelId"`
	IsSuperUser bool   `json:"isSuperUser,omitempty"`
}

// Result is one generated image, already decoded. Exactly one of Image and
// ImageURL is set.
type Result struct {
	Prompt    string
	Image     []byte
	ImageURL  string
	Model     string
	Provider  string
	Seed      int64
	Cfg       float64
	Size      string
	Steps     int
	RequestID string
}

// Client calls one webhook endpoint.
type Client struct {
	url      string
	user     string
	password string
	timeout  time.Duration
}

// New returns a client for the webhook at opts.URL.
func New(opts *Options) (*Client, error) {
	if !strings.HasPrefix(opts.URL, "http://") && !strings.HasPrefix(opts.URL, "https://") {
		return nil, fmt.Errorf("invalid webhook url %q", opts.URL)
	}
	return &Client{url: opts.URL, user: opts.User, password: opts.Password, timeout: 10 * time.Minute}, nil
}

// Generate runs one request through the webhook and normalizes the answer.
//
// The endpoint has a few accepted quirks: the body may be a single object
// or a one element array wrapping it, and base64 payloads may carry a data
// URI header or a {"b64_json": ...} envelope. All of that is resolved here
// so callers only ever see a Result.
func (c *Client) Generate(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.SetBasicAuth(c.user, c.password)
	resp, err := http.DefaultClient.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webhook call failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook call failed: status %d", resp.StatusCode)
	}
	return parseResponse(b)
}

// response is the wire shape of a successful webhook answer.
type response struct {
	Prompt   string `json:"prompt"`
	Image    string `json:"image"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Type     string `json:"type"`
	Params   struct {
		Seed  int64   `json:"seed"`
		Cfg   float64 `json:"cfg"`
		Size  string  `json:"size"`
		Steps int     `json:"steps"`
	} `json:"params"`
	RequestID string `json:"requestId"`
	Meta      *struct {
		Reason string `json:"reason"`
	} `json:"meta"`
}

func parseResponse(b []byte) (*Result, error) {
	r := response{}
	t := bytes.TrimSpace(b)
	if len(t) > 0 && t[0] == '[' {
		// Some workflow versions wrap the object in a one element array.
		items := []response{}
		if err := json.Unmarshal(t, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: empty array", ErrBadResponse)
		}
		r = items[0]
	} else if err := json.Unmarshal(t, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if r.Meta != nil && r.Meta.Reason != "" {
		return nil, &PolicyError{Reason: r.Meta.Reason}
	}
	if r.Image == "" || r.Model == "" || r.Type == "" {
		return nil, fmt.Errorf("%w: missing image, model or type", ErrBadResponse)
	}
	out := &Result{
		Prompt:    r.Prompt,
		Model:     r.Model,
		Provider:  r.Provider,
		Seed:      r.Params.Seed,
		Cfg:       r.Params.Cfg,
		Size:      r.Params.Size,
		Steps:     r.Params.Steps,
		RequestID: r.RequestID,
	}
	switch r.Type {
	case "url":
		out.ImageURL = r.Image
	case "base64":
		raw, err := decodeImagePayload(r.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
		}
		out.Image = raw
	default:
		return nil, fmt.Errorf("%w: unknown image type %q", ErrBadResponse, r.Type)
	}
	return out, nil
}

// decodeImagePayload strips the accepted wrappings off a base64 payload
// then decodes it.
func decodeImagePayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, "{") {
		env := struct {
			B64JSON string `json:"b64_json"`
		}{}
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			return nil, err
		}
		if env.B64JSON == "" {
			return nil, errors.New("empty b64_json envelope")
		}
		s = env.B64JSON
	} else if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, "base64,")
		if i == -1 {
			return nil, fmt.Errorf("unsupported data URI %q", s[:min(len(s), 32)])
		}
		s = s[i+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}
