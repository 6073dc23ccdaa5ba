package corpus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

const downloadTimeout = 4 * time.Hour

// ProgressFunc is called with (bytesRead, totalBytes) during download.
// totalBytes is -1 when the server does not announce a content length.
type ProgressFunc func(read, total int64)

// progressReader wraps an io.Reader and reports progress, optionally pacing
// reads through a byte-rate limiter.
type progressReader struct {
	reader   io.Reader
	ctx      context.Context
	total    int64
	read     int64
	callback ProgressFunc
	limiter  *rate.Limiter
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if pr.limiter != nil {
		// Cap the chunk so one wait never exceeds the limiter burst.
		if b := pr.limiter.Burst(); len(p) > b {
			p = p[:b]
		}
	}
	n, err := pr.reader.Read(p)
	if n > 0 && pr.limiter != nil {
		if werr := pr.limiter.WaitN(pr.ctx, n); werr != nil {
			return n, werr
		}
	}
	pr.read += int64(n)
	if pr.callback != nil {
		pr.callback(pr.read, pr.total)
	}
	return n, err
}

// Download fetches url into dest, creating parent directories as needed. An
// existing dest is reused without touching the network. limitBytesPerSec <= 0
// leaves the transfer unthrottled.
func Download(ctx context.Context, url, dest string, limitBytesPerSec int) error {
	if _, err := os.Stat(dest); err == nil {
		slog.Info("archive already present, skipping download", "path", dest)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: downloadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d for %s", resp.StatusCode, url)
	}

	var limiter *rate.Limiter
	if limitBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(limitBytesPerSec), limitBytesPerSec)
	}

	var lastLogged int64
	progress := func(read, total int64) {
		if read-lastLogged < 100<<20 {
			return
		}
		lastLogged = read
		if total > 0 {
			pct := math.Min(float64(read)/float64(total)*100, 100)
			slog.Info("download progress",
				"percent", fmt.Sprintf("%.1f%%", pct),
				"mb", read>>20)
		} else {
			slog.Info("download progress", "mb", read>>20)
		}
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	body := &progressReader{
		reader:   resp.Body,
		ctx:      ctx,
		total:    resp.ContentLength,
		callback: progress,
		limiter:  limiter,
	}

	slog.Info("downloading corpus", "url", url, "dest", dest)
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}

	slog.Info("download complete", "path", dest, "mb", body.read>>20)
	return nil
}
