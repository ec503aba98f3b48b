package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/lisadonlon/RegulatoryKB/internal/retry"
)

// payload describes content written to a staging file.
type payload struct {
	filename string
	mimeType string
	hash     string
	size     int64
}

// sniffer keeps the first 512 bytes written to it.
type sniffer struct{ buf []byte }

func (s *sniffer) Write(p []byte) (int, error) {
	if room := 512 - len(s.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		s.buf = append(s.buf, p[:room]...)
	}
	return len(p), nil
}

func (s *Store) download(ctx context.Context, rawURL, dest string) (*payload, error) {
	var got *payload
	err := retry.Do(ctx, s.policy, "download "+rawURL, func(ctx context.Context) error {
		p, err := s.downloadOnce(ctx, rawURL, dest)
		if err != nil {
			return err
		}
		got = p
		return nil
	})
	if err != nil {
		var derr *DownloadError
		if !errors.As(err, &derr) {
			err = &DownloadError{URL: rawURL, Err: err}
		}
		return nil, err
	}
	return got, nil
}

func (s *Store) downloadOnce(ctx context.Context, rawURL, dest string) (*payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(&DownloadError{URL: rawURL, Err: err})
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "application/pdf,application/octet-stream,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		derr := &DownloadError{URL: rawURL, Status: resp.StatusCode}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(derr)
		}
		return nil, derr
	}

	f, err := os.Create(dest)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("creating staging file: %w", err))
	}
	defer f.Close()

	h := sha256.New()
	sniff := &sniffer{}
	n, err := io.Copy(io.MultiWriter(f, h, sniff), io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	if n > s.maxBytes {
		return nil, retry.Permanent(&DownloadError{URL: rawURL, Err: fmt.Errorf("larger than %d bytes", s.maxBytes)})
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	return &payload{
		filename: servedFilename(resp),
		mimeType: contentType(sniff.buf, resp.Header.Get("Content-Type")),
		hash:     sum(h),
		size:     n,
	}, nil
}

func copyLocal(src, dest string) (*payload, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	defer out.Close()

	h := sha256.New()
	sniff := &sniffer{}
	n, err := io.Copy(io.MultiWriter(out, h, sniff), in)
	if err != nil {
		return nil, fmt.Errorf("copying %s: %w", src, err)
	}
	return &payload{
		filename: filepath.Base(src),
		mimeType: contentType(sniff.buf, mime.TypeByExtension(filepath.Ext(src))),
		hash:     sum(h),
		size:     n,
	}, nil
}

// contentType trusts the sniffed bytes unless they are too generic to say
// anything, as for zip-based office formats.
func contentType(head []byte, declared string) string {
	sniffed := http.DetectContentType(head)
	switch sniffed {
	case "application/octet-stream", "application/zip", "text/plain; charset=utf-8":
		if declared != "" {
			return declared
		}
	}
	return sniffed
}

// servedFilename uses Content-Disposition, then the final URL path.
func servedFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	u := resp.Request.URL
	if p, err := url.PathUnescape(u.Path); err == nil {
		if base := path.Base(p); base != "/" && base != "." && path.Ext(base) != "" {
			return base
		}
	}
	return ""
}

func sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
