package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"copybot/config"

	"go.uber.org/zap"
)

const (
	defaultAPIBase = "https://api.github.com"
	description    = "copybot store snapshot"
)

var (
	ErrDisabled     = errors.New("gist storage not configured")
	ErrNoGistID     = errors.New("no gist ID configured")
	ErrGistNotFound = errors.New("gist not found")
	ErrFileNotFound = errors.New("file not found in gist")
)

// Storage is the snapshot storage used by the cache persister.
type Storage interface {
	IsEnabled() bool
	LoadJSON(ctx context.Context, filename string, dest any) error
	SaveJSON(ctx context.Context, filename string, data any) error
	GistID() string
}

var _ Storage = (*Client)(nil)

// Client stores JSON documents as files of a private GitHub gist.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	apiBase    string
	token      string
	gistID     string // Created on first save when empty
}

type gistFile struct {
	Content string `json:"content"`
}

type gistDoc struct {
	ID    string              `json:"id"`
	Files map[string]gistFile `json:"files"`
}

type gistRequest struct {
	Description string              `json:"description,omitempty"`
	Public      bool                `json:"public"`
	Files       map[string]gistFile `json:"files"`
}

func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Gist.Token == "" {
		logger.Warn("GITHUB_TOKEN not set, store snapshots will not be persisted")
	}

	return &Client{
		logger:     logger.Named("gist"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		token:      cfg.Gist.Token,
		gistID:     cfg.Gist.GistID,
	}
}

func (c *Client) IsEnabled() bool {
	return c.token != ""
}

func (c *Client) GistID() string {
	return c.gistID
}

// SaveJSON writes data as an indented JSON file. The gist is created on the
// first save when no ID is configured, and updated in place afterwards.
func (c *Client) SaveJSON(ctx context.Context, filename string, data any) error {
	if !c.IsEnabled() {
		return ErrDisabled
	}

	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	body, err := json.Marshal(gistRequest{
		Description: description,
		Files:       map[string]gistFile{filename: {Content: string(content)}},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	method, url := http.MethodPatch, fmt.Sprintf("%s/gists/%s", c.apiBase, c.gistID)
	if c.gistID == "" {
		method, url = http.MethodPost, c.apiBase+"/gists"
	}

	var doc gistDoc
	if err := c.do(ctx, method, url, body, &doc); err != nil {
		return err
	}

	if c.gistID == "" {
		c.gistID = doc.ID
		c.logger.Info("created snapshot gist", zap.String("id", doc.ID))
	}

	c.logger.Debug("saved to gist",
		zap.String("filename", filename),
		zap.Int("bytes", len(content)),
	)
	return nil
}

// LoadJSON reads a file from the configured gist into dest.
func (c *Client) LoadJSON(ctx context.Context, filename string, dest any) error {
	if !c.IsEnabled() {
		return ErrDisabled
	}
	if c.gistID == "" {
		return ErrNoGistID
	}

	var doc gistDoc
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/gists/%s", c.apiBase, c.gistID), nil, &doc); err != nil {
		return err
	}

	file, ok := doc.Files[filename]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}

	if err := json.Unmarshal([]byte(file.Content), dest); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}

	c.logger.Debug("loaded from gist",
		zap.String("filename", filename),
		zap.Int("bytes", len(file.Content)),
	)
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, dest any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrGistNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error status=%d body=%s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
