package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/models"
)

// AssetClient defines the contract for talking to an asset gateway.
type AssetClient interface {
	Upload(ctx context.Context, data []byte, filename, mimeType string, opts *assets.UploadOptions) (*assets.UploadResult, error)
	ImportBatch(ctx context.Context, items []assets.ImportItem) ([]assets.ImportResult, error)

	GetAsset(ctx context.Context, hash string) (*models.Asset, error)
	DownloadContent(ctx context.Context, hash string, thumb bool) (io.ReadCloser, string, error)
	Resolve(ctx context.Context, locator string) (string, error)

	Associate(ctx context.Context, hash string) (int64, error)
	Delete(ctx context.Context, hash string) (int64, error)

	Cleanup(ctx context.Context, req *CleanupRequest) (*assets.SweepResult, error)
	Stats(ctx context.Context) (*models.CatalogStats, error)
	Reconcile(ctx context.Context, req *ReconcileRequest) (*assets.ReconcileResult, error)
	Verify(ctx context.Context, repair bool) (*assets.VerifyReport, error)
	DeriveThumbnails(ctx context.Context) (*assets.DeriveResult, error)
}

// HTTPClient implements AssetClient over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based gateway client. An empty token sends
// no Authorization header.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *HTTPClient) apiURL(path string) string {
	return c.baseURL + "/api/v1" + path
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Upload sends one payload. A nil opts leaves thumbnail settings to the
// gateway.
func (c *HTTPClient) Upload(ctx context.Context, data []byte, filename, mimeType string, opts *assets.UploadOptions) (*assets.UploadResult, error) {
	q := url.Values{}
	if filename != "" {
		q.Set("filename", filename)
	}
	if opts != nil {
		q.Set("generate_thumbnail", strconv.FormatBool(opts.GenerateThumbnail))
		if opts.Thumbnail.Quality > 0 {
			q.Set("quality", strconv.Itoa(opts.Thumbnail.Quality))
		}
		if opts.Thumbnail.MaxWidth > 0 && opts.Thumbnail.MaxHeight > 0 {
			q.Set("thumbnail_size", fmt.Sprintf("%dx%d", opts.Thumbnail.MaxWidth, opts.Thumbnail.MaxHeight))
		}
	}
	u := c.apiURL("/assets")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	resp, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(data), map[string]string{"Content-Type": mimeType})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var res assets.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &res, nil
}

// ImportBatch streams items as one multipart request, copying any item that
// only carries a Path straight from disk. Per-item failures come back in the
// results, not as the returned error.
func (c *HTTPClient) ImportBatch(ctx context.Context, items []assets.ImportItem) ([]assets.ImportResult, error) {
	for _, item := range items {
		if item.Data == nil && item.Path != "" {
			if _, err := os.Stat(item.Path); err != nil {
				return nil, fmt.Errorf("read %s: %w", item.Path, err)
			}
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeBatch(mw, items))
	}()

	resp, err := c.do(ctx, http.MethodPost, c.apiURL("/assets/batch"), pr, map[string]string{"Content-Type": mw.FormDataContentType()})
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("import batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var batch BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return batch.Results, nil
}

func writeBatch(mw *multipart.Writer, items []assets.ImportItem) error {
	for _, item := range items {
		if item.Filename == "" && item.Path != "" {
			item.Filename = filepath.Base(item.Path)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, item.Filename))
		if item.MimeType != "" {
			h.Set("Content-Type", item.MimeType)
		} else {
			h.Set("Content-Type", "application/octet-stream")
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("create part %s: %w", item.Filename, err)
		}
		if err := writeItem(part, item); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}
	return nil
}

func writeItem(w io.Writer, item assets.ImportItem) error {
	if item.Data != nil || item.Path == "" {
		_, err := w.Write(item.Data)
		return err
	}
	f, err := os.Open(item.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", item.Path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read %s: %w", item.Path, err)
	}
	return nil
}

// GetAsset returns the catalog record for hash.
func (c *HTTPClient) GetAsset(ctx context.Context, hash string) (*models.Asset, error) {
	var a models.Asset
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/assets/"+url.PathEscape(hash)), nil, &a); err != nil {
		return nil, fmt.Errorf("get asset %s: %w", hash, err)
	}
	return &a, nil
}

// DownloadContent streams the original, or the thumbnail when thumb is set.
// It returns the body and its content type; the caller closes the body.
func (c *HTTPClient) DownloadContent(ctx context.Context, hash string, thumb bool) (io.ReadCloser, string, error) {
	u := c.apiURL("/assets/" + url.PathEscape(hash) + "/content")
	if thumb {
		u += "?thumbnail=true"
	}

	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", hash, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Resolve maps a public locator to a path on the gateway host.
func (c *HTTPClient) Resolve(ctx context.Context, locator string) (string, error) {
	var resp ResolveResponse
	u := c.apiURL("/resolve?locator=" + url.QueryEscape(locator))
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return "", fmt.Errorf("resolve %s: %w", locator, err)
	}
	return resp.Path, nil
}

// Associate records one more reference to hash.
func (c *HTTPClient) Associate(ctx context.Context, hash string) (int64, error) {
	var resp RefCountResponse
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/assets/"+url.PathEscape(hash)+"/refs"), nil, &resp); err != nil {
		return 0, fmt.Errorf("associate %s: %w", hash, err)
	}
	return resp.RefCount, nil
}

// Delete releases one reference to hash.
func (c *HTTPClient) Delete(ctx context.Context, hash string) (int64, error) {
	var resp RefCountResponse
	if err := c.doJSON(ctx, http.MethodDelete, c.apiURL("/assets/"+url.PathEscape(hash)), nil, &resp); err != nil {
		return 0, fmt.Errorf("delete %s: %w", hash, err)
	}
	return resp.RefCount, nil
}

// Cleanup sweeps orphaned assets on the gateway.
func (c *HTTPClient) Cleanup(ctx context.Context, req *CleanupRequest) (*assets.SweepResult, error) {
	if req == nil {
		req = &CleanupRequest{}
	}
	var res assets.SweepResult
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/cleanup"), req, &res); err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	return &res, nil
}

// Stats returns catalog statistics.
func (c *HTTPClient) Stats(ctx context.Context) (*models.CatalogStats, error) {
	var st models.CatalogStats
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/stats"), nil, &st); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &st, nil
}

// Reconcile overwrites stored reference counts with declared ones.
func (c *HTTPClient) Reconcile(ctx context.Context, req *ReconcileRequest) (*assets.ReconcileResult, error) {
	var res assets.ReconcileResult
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/reconcile"), req, &res); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return &res, nil
}

// Verify cross-checks the gateway's catalog against its blob storage.
func (c *HTTPClient) Verify(ctx context.Context, repair bool) (*assets.VerifyReport, error) {
	var report assets.VerifyReport
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/verify"), &VerifyRequest{Repair: repair}, &report); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &report, nil
}

// DeriveThumbnails backfills thumbnails for assets that lack one.
func (c *HTTPClient) DeriveThumbnails(ctx context.Context) (*assets.DeriveResult, error) {
	var res assets.DeriveResult
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/thumbnails/derive"), nil, &res); err != nil {
		return nil, fmt.Errorf("derive thumbnails: %w", err)
	}
	return &res, nil
}

// RemoteError represents a structured error from the gateway.
type RemoteError struct {
	Code    string
	Message string
	Field   string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// Is maps gateway statuses back onto the service's error kinds.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case assets.ErrNotFound:
		return e.Status == http.StatusNotFound
	case assets.ErrValidation:
		return e.Status == http.StatusBadRequest ||
			e.Status == http.StatusRequestEntityTooLarge ||
			e.Status == http.StatusUnsupportedMediaType
	case assets.ErrStorage:
		return e.Code == "storage_error"
	}
	return false
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Field:   errResp.Detail["field"],
		Status:  resp.StatusCode,
	}
}

// IsUnauthorized reports whether err is a rejected API token.
func IsUnauthorized(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusUnauthorized
}
