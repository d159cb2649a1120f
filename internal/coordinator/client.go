// Package coordinator talks to the remote service that agrees on baselines
// and stores every peer's published changes.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"peerlines/agent/internal/project"
	"peerlines/agent/internal/vcs"
)

const maxResponseBytes = 32 << 20

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// CommitLog is the local history summary sent during baseline negotiation.
type CommitLog struct {
	Origin   string       `json:"origin"`
	Branch   string       `json:"branch"`
	Branches []string     `json:"branches"`
	Commits  []vcs.Commit `json:"commits"`
}

// Contribution is a zipped local diff against the baseline.
type Contribution struct {
	ActivePath string
	Origin     string
	SHA        string
	Archive    []byte
}

type baselineResponse struct {
	CSHA string `json:"cSHA"`
}

type commonSHAResponse struct {
	SHA string `json:"sha"`
}

// SubmitCommits sends the local commit log and returns the agreed baseline.
func (c *Client) SubmitCommits(ctx context.Context, history CommitLog) (string, error) {
	payload, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal commit log: %w", err)
	}
	var out baselineResponse
	if err := c.do(ctx, "submit commits", http.MethodPost, "/commits", nil, "application/json", bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	return out.CSHA, nil
}

// CommonSHA re-reads the current baseline for origin without sending history.
func (c *Client) CommonSHA(ctx context.Context, origin string) (string, error) {
	var out commonSHAResponse
	query := url.Values{"origin": {origin}}
	if err := c.do(ctx, "common sha", http.MethodGet, "/common-sha", query, "", nil, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// UploadContrib publishes a contribution as a multipart form.
func (c *Client) UploadContrib(ctx context.Context, contrib Contribution) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"activePath", contrib.ActivePath},
		{"origin", contrib.Origin},
		{"sha", contrib.SHA},
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return fmt.Errorf("write form field %s: %w", field[0], err)
		}
	}
	part, err := form.CreateFormFile("zipFile", "uploaded.zip")
	if err != nil {
		return fmt.Errorf("create zip part: %w", err)
	}
	if _, err := part.Write(contrib.Archive); err != nil {
		return fmt.Errorf("write zip part: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("close multipart form: %w", err)
	}
	return c.do(ctx, "upload contribution", http.MethodPost, "/contrib", nil, form.FormDataContentType(), &body, nil)
}

// PeerChanges fetches every peer's pending change to fpath.
func (c *Client) PeerChanges(ctx context.Context, origin, fpath, clientID string) (*project.FileChangeSet, error) {
	query := url.Values{"origin": {origin}, "fpath": {fpath}, "clientId": {clientID}}
	var out project.FileChangeSet
	if err := c.do(ctx, "peer changes", http.MethodGet, "/peer-changes", query, "", nil, &out); err != nil {
		return nil, err
	}
	if out.File.Path == "" {
		out.File.Path = fpath
	}
	if out.File.Changes == nil {
		out.File.Changes = map[string]project.PeerChange{}
	}
	if out.Aggregate == nil {
		out.Aggregate = map[string][]int{}
	}
	return &out, nil
}

// FetchPatch downloads a peer's stored unified diff.
func (c *Client) FetchPatch(ctx context.Context, origin, key string) ([]byte, error) {
	query := url.Values{"origin": {origin}, "fpath": {key}}
	var raw rawBody
	if err := c.do(ctx, "download patch", http.MethodGet, "/diff-blob", query, "", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

type rawBody []byte

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, contentType string, body io.Reader, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(statusMessage(data))}
	}

	switch target := out.(type) {
	case nil:
		return nil
	case *rawBody:
		*target = data
		return nil
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
}

func statusMessage(data []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}
