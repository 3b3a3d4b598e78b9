package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/klauspost/compress/zip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const driveBaseURL = "https://drive.google.com"

// archiveSource yields the raw bytes of the image archive.
type archiveSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// httpStatusError carries the status of a failed archive request.
type httpStatusError struct {
	StatusCode int
	URL        string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// archiveDownloader downloads the archive next to its extraction target and
// unpacks it there. Nothing is skipped or cleaned up between runs.
type archiveDownloader struct {
	source archiveSource
}

func newArchiveDownloader(source archiveSource) *archiveDownloader {
	return &archiveDownloader{source: source}
}

func (d *archiveDownloader) FetchAndExtract(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory %s: %w", destDir, err)
	}
	archivePath := filepath.Join(destDir, archiveFileName)

	written, err := d.download(ctx, archivePath)
	if err != nil {
		return err
	}
	logger.Info("archive downloaded", "source", d.source.String(), "path", archivePath, "bytes", written)

	count, err := extractZip(archivePath, destDir)
	if err != nil {
		return err
	}
	logger.Info("archive extracted", "path", destDir, "files", count)
	return nil
}

func (d *archiveDownloader) download(ctx context.Context, archivePath string) (int64, error) {
	body, err := d.source.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open archive %s: %w", d.source.String(), err)
	}
	defer body.Close()

	f, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("create archive file %s: %w", archivePath, err)
	}
	written, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("write archive file %s: %w", archivePath, err)
	}
	return written, nil
}

// extractZip unpacks every entry of archivePath into destDir, overwriting
// existing files. Entries that would land outside destDir are rejected.
func extractZip(archivePath, destDir string) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open zip %s: %w", archivePath, err)
	}
	defer r.Close()

	archiveAbs, err := filepath.Abs(archivePath)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			if filepath.Clean(filepath.FromSlash(f.Name)) == "." {
				continue
			}
			target, err := resolvePathUnderRoot(destDir, f.Name)
			if err != nil {
				return count, fmt.Errorf("zip entry %q: %w", f.Name, err)
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
			continue
		}
		target, err := resolvePathUnderRoot(destDir, f.Name)
		if err != nil {
			return count, fmt.Errorf("zip entry %q: %w", f.Name, err)
		}
		if abs, err := filepath.Abs(target); err == nil && abs == archiveAbs {
			logger.Warn("skipping zip entry that would overwrite the archive", "entry", f.Name)
			continue
		}
		if err := extractZipFile(f, target); err != nil {
			return count, fmt.Errorf("extract %q: %w", f.Name, err)
		}
		count++
	}
	return count, nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// parseArchiveSource maps FILE_ID onto a source: an s3:// object, a plain
// http(s) URL, or otherwise a Google Drive file id. Empty means none.
func parseArchiveSource(cfg config, client *http.Client) (archiveSource, error) {
	raw := strings.TrimSpace(cfg.archiveSource)
	switch {
	case raw == "":
		return nil, nil
	case strings.HasPrefix(raw, "s3://"):
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse archive source: %w", err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("archive source %q needs s3://bucket/key", raw)
		}
		mc, err := minio.New(cfg.s3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.s3AccessKey, cfg.s3SecretKey, ""),
			Secure: cfg.s3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return &minioArchiveSource{client: mc, bucket: u.Host, key: key}, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return &httpArchiveSource{url: raw, client: client}, nil
	default:
		return &driveArchiveSource{fileID: raw, baseURL: driveBaseURL, client: client}, nil
	}
}

type httpArchiveSource struct {
	url    string
	client *http.Client
}

func (s *httpArchiveSource) String() string { return s.url }

func (s *httpArchiveSource) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := getArchive(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func getArchive(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &httpStatusError{StatusCode: resp.StatusCode, URL: target}
	}
	return resp, nil
}

// driveArchiveSource follows the public-link convention of Google Drive,
// including the confirmation page served for files too large to scan.
type driveArchiveSource struct {
	fileID  string
	baseURL string
	client  *http.Client
}

func (s *driveArchiveSource) String() string { return "drive:" + s.fileID }

func (s *driveArchiveSource) Open(ctx context.Context) (io.ReadCloser, error) {
	first := s.baseURL + "/uc?" + url.Values{"export": {"download"}, "id": {s.fileID}}.Encode()
	resp, err := getArchive(ctx, s.client, first)
	if err != nil {
		return nil, err
	}
	if !isHTMLResponse(resp) {
		return resp.Body, nil
	}

	confirmURL, err := driveConfirmURL(resp.Body, resp.Request.URL)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	logger.Debug("following drive confirmation page", "file_id", s.fileID, "url", confirmURL)

	resp, err = getArchive(ctx, s.client, confirmURL)
	if err != nil {
		return nil, err
	}
	if isHTMLResponse(resp) {
		resp.Body.Close()
		return nil, fmt.Errorf("drive file %s: confirmation did not yield a file", s.fileID)
	}
	return resp.Body, nil
}

func isHTMLResponse(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}

// driveConfirmURL extracts the real download link from a Drive warning page.
func driveConfirmURL(page io.Reader, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return "", fmt.Errorf("parse drive page: %w", err)
	}

	form := doc.Find("form#download-form").First()
	if action, ok := form.Attr("action"); ok && action != "" {
		target, err := base.Parse(action)
		if err != nil {
			return "", fmt.Errorf("parse drive form action: %w", err)
		}
		query := target.Query()
		form.Find("input[type=hidden]").Each(func(_ int, input *goquery.Selection) {
			name, ok := input.Attr("name")
			if !ok || name == "" {
				return
			}
			value, _ := input.Attr("value")
			query.Set(name, value)
		})
		target.RawQuery = query.Encode()
		return target.String(), nil
	}

	if href, ok := doc.Find("a#uc-download-link").First().Attr("href"); ok && href != "" {
		target, err := base.Parse(href)
		if err != nil {
			return "", fmt.Errorf("parse drive download link: %w", err)
		}
		return target.String(), nil
	}
	return "", errors.New("drive page has no download link; is the file shared publicly?")
}

type minioArchiveSource struct {
	client *minio.Client
	bucket string
	key    string
}

func (s *minioArchiveSource) String() string { return "s3://" + s.bucket + "/" + s.key }

func (s *minioArchiveSource) Open(ctx context.Context) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, fmt.Errorf("archive object %s: %w", s.String(), os.ErrNotExist)
		}
		return nil, err
	}
	return obj, nil
}
