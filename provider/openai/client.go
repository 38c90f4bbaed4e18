// Package openai implements the provider client for the asynchronous batch
// API: file upload/download and batch create/poll/cancel.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/internal/tlsutil"
)

// Config holds the client configuration.
type Config struct {
	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL defaults to the public API endpoint.
	BaseURL string

	// Timeout is the HTTP timeout for control-plane calls. Defaults to 30s.
	Timeout time.Duration

	// UploadTimeout covers multipart file uploads, which may carry hundreds
	// of megabytes. Defaults to 300s and is floored at 120s.
	UploadTimeout time.Duration

	// DownloadTimeout covers result-file downloads. Defaults to 300s.
	DownloadTimeout time.Duration
}

// Client talks to the provider's files and batches APIs.
type Client struct {
	cfg      Config
	client   *http.Client
	transfer *http.Client
	logger   *zap.Logger
}

// NewClient creates a Client with hardened HTTP transports.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 300 * time.Second
	}
	if cfg.UploadTimeout < 120*time.Second {
		cfg.UploadTimeout = 120 * time.Second
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 300 * time.Second
	}
	return &Client{
		cfg:      cfg,
		client:   tlsutil.SecureHTTPClient(cfg.Timeout),
		transfer: tlsutil.SecureHTTPClient(maxDuration(cfg.UploadTimeout, cfg.DownloadTimeout)),
		logger:   logger.With(zap.String("component", "openai")),
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}

// UploadFile uploads a local batch input file with purpose "batch".
func (c *Client) UploadFile(ctx context.Context, path string) (*FileObject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, requestFailed(fmt.Errorf("failed to open upload file: %w", err))
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		if werr = mw.WriteField("purpose", "batch"); werr != nil {
			return
		}
		part, perr := mw.CreateFormFile("file", filepath.Base(path))
		if perr != nil {
			werr = perr
			return
		}
		if _, werr = io.Copy(part, f); werr != nil {
			return
		}
		werr = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/files"), pr)
	if err != nil {
		return nil, requestFailed(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, requestFailed(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, mapStatusError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var file FileObject
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, requestFailed(fmt.Errorf("failed to decode file object: %w", err))
	}
	c.logger.Info("file uploaded",
		zap.String("file_id", file.ID),
		zap.Int64("bytes", file.Bytes),
	)
	return &file, nil
}

// CreateBatch creates a provider batch over an uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*BatchObject, error) {
	if completionWindow == "" {
		completionWindow = "24h"
	}
	body, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	})
	if err != nil {
		return nil, requestFailed(err)
	}

	var batch BatchObject
	if err := c.doJSON(ctx, http.MethodPost, "/v1/batches", body, &batch); err != nil {
		return nil, err
	}
	c.logger.Info("provider batch created",
		zap.String("provider_batch_id", batch.ID),
		zap.String("status", batch.Status),
	)
	return &batch, nil
}

// CheckStatus retrieves the current provider batch state.
func (c *Client) CheckStatus(ctx context.Context, providerBatchID string) (*BatchObject, error) {
	var batch BatchObject
	if err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+providerBatchID, nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// CancelBatch requests cancellation of an in-flight provider batch.
func (c *Client) CancelBatch(ctx context.Context, providerBatchID string) error {
	var batch BatchObject
	return c.doJSON(ctx, http.MethodPost, "/v1/batches/"+providerBatchID+"/cancel", nil, &batch)
}

// DownloadFile streams a provider file to destPath and returns the path.
func (c *Client) DownloadFile(ctx context.Context, fileID, destPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/files/"+fileID+"/content"), nil)
	if err != nil {
		return "", requestFailed(err)
	}
	c.authorize(req)

	resp, err := c.transfer.Do(req)
	if err != nil {
		return "", requestFailed(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", mapStatusError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", requestFailed(fmt.Errorf("failed to create download file: %w", err))
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return "", requestFailed(fmt.Errorf("failed to download file: %w", err))
	}
	c.logger.Debug("file downloaded",
		zap.String("file_id", fileID),
		zap.String("path", destPath),
		zap.Int64("bytes", n),
	)
	return destPath, nil
}

// DeleteFile removes a provider file. Deleting an unknown file is treated as
// idempotent success.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	var result struct {
		Deleted bool `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodDelete, "/v1/files/"+fileID, nil, &result)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// RetrieveFileMetadata fetches a provider file's metadata.
func (c *Client) RetrieveFileMetadata(ctx context.Context, fileID string) (*FileObject, error) {
	var file FileObject
	if err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+fileID, nil, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// doJSON performs a control-plane request and decodes the JSON response.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return requestFailed(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return requestFailed(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return mapStatusError(resp.StatusCode, readErrorMessage(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return requestFailed(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// readErrorMessage extracts the provider's error message from a failed
// response body, falling back to the raw body.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
