package cmp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes bounds a response read by Client.
const maxResponseBytes = 4 << 20

// Client posts PKIMessages to a CA's CMP endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a client for the CA alias served under baseURL, e.g.
// http://localhost:8080 and "issuing-ca" post to
// http://localhost:8080/pki/issuing-ca. A nil hc uses a client with a
// 30 second timeout.
func NewClient(baseURL, alias string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/pki/" + url.PathEscape(alias),
		http:     hc,
	}
}

// Endpoint is the URL requests are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// Send posts a DER request and decodes the response. Transport statuses
// other than 200 still carry an error PKIMessage, which is returned when
// it decodes.
func (c *Client) Send(ctx context.Context, der []byte) (*Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(der))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting CMP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading CMP response: %w", err)
	}
	msg, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
	}
	return msg, nil
}

// StatusError reports a rejection carried in a response.
type StatusError struct {
	Body   BodyType
	Status StatusInfo
}

func (e *StatusError) Error() string {
	text := "request rejected"
	if len(e.Status.StatusString) > 0 {
		text = strings.Join(e.Status.StatusString, "; ")
	}
	return fmt.Sprintf("cmp %s: %s", e.Body, text)
}

// ResponseError returns a *StatusError when msg is an error body or
// carries a rejection status, and nil otherwise.
func ResponseError(msg *Message) error {
	switch b := msg.Body.(type) {
	case *ErrorBody:
		return &StatusError{Body: BodyError, Status: b.Status}
	case *CertRepBody:
		for _, r := range b.Responses {
			if r.Status.IsRejection() {
				return &StatusError{Body: b.Kind, Status: r.Status}
			}
		}
	case *RevRepBody:
		for _, s := range b.Statuses {
			if s.IsRejection() {
				return &StatusError{Body: BodyRP, Status: s}
			}
		}
	}
	return nil
}
