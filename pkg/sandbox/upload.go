package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/gabriel-vasile/mimetype"
)

// defaultDownloadName names files fetched from URLs without a path segment.
const defaultDownloadName = "downloaded_file"

// defaultMaxDownload caps files fetched by UploadURL.
const defaultMaxDownload = 256 << 20

// UploadFile stores data in the sandbox's upload directory under name and
// returns the path code running in the sandbox can open.
func (s *Sandbox) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("%w: file name is required", apperrors.ErrInvalidInput)
	}
	ctx, cancel := s.withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureUploadDir(ctx); err != nil {
		return "", err
	}

	remote := name
	if s.uploadDir != "" {
		remote = path.Join(s.uploadDir, name)
	}
	body := map[string]string{
		"type":    "file",
		"format":  "base64",
		"content": base64.StdEncoding.EncodeToString(data),
	}
	var model struct {
		Path string `json:"path"`
	}
	if err := s.kernel.doJSON(ctx, http.MethodPut, s.kernel.endpoint("api", "contents", remote), body, &model); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if model.Path != "" {
		remote = model.Path
	}
	s.logger.Info("file uploaded to sandbox", "path", remote, "bytes", len(data))
	return remote, nil
}

func (s *Sandbox) ensureUploadDir(ctx context.Context) error {
	if s.uploadDir == "" {
		return nil
	}
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if s.dirCreated {
		return nil
	}
	body := map[string]string{"type": "directory"}
	if err := s.kernel.doJSON(ctx, http.MethodPut, s.kernel.endpoint("api", "contents", s.uploadDir), body, nil); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	s.dirCreated = true
	return nil
}

// UploadURL downloads rawURL and uploads its body under the URL's base name.
// A URL without one gets defaultDownloadName plus the extension of the
// detected content type, so the sandbox can still tell a CSV from a JSON file.
func (s *Sandbox) UploadURL(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", apperrors.ErrInvalidInput, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported URL scheme %q", apperrors.ErrInvalidInput, u.Scheme)
	}

	data, err := s.download(ctx, u.String())
	if err != nil {
		return "", err
	}
	name := downloadName(u)
	if name == "" {
		name = defaultDownloadName + mimetype.Detect(data).Extension()
	}
	return s.UploadFile(ctx, name, data)
}

func (s *Sandbox) download(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx, s.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	resp, err := s.kernel.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", apperrors.ErrNetwork, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetch %s returned %s", apperrors.ErrNetwork, target, resp.Status)
	}
	if resp.ContentLength > s.maxDownload {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", apperrors.ErrNetwork, target, s.maxDownload)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", apperrors.ErrNetwork, target, err)
	}
	if int64(len(data)) > s.maxDownload {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", apperrors.ErrNetwork, target, s.maxDownload)
	}
	return data, nil
}

// downloadName returns the last path segment of u, or "" when the path is
// empty or ends in a slash.
func downloadName(u *url.URL) string {
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
