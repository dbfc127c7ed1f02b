package publish

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const maxInMemoryBlob = 512 << 20 // 512 MiB

var blobClient = &http.Client{Timeout: 60 * time.Second}

// downloadToFile streams the blob to a scratch file and returns its path and
// size. The caller must invoke cleanup on every exit path.
func downloadToFile(ctx context.Context, videoURL string) (path string, size int64, cleanup func(), err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", 0, nil, err
	}
	res, err := blobClient.Do(req)
	if err != nil {
		return "", 0, nil, fmt.Errorf("blob_download_failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", 0, nil, fmt.Errorf("blob_download_non_2xx status=%d", res.StatusCode)
	}

	f, err := os.CreateTemp("", "video-*.mp4")
	if err != nil {
		return "", 0, nil, err
	}
	cleanup = func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	size, err = io.Copy(f, res.Body)
	if err != nil {
		cleanup()
		return "", 0, nil, fmt.Errorf("blob_download_failed: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return "", 0, nil, err
	}
	return f.Name(), size, cleanup, nil
}

// downloadToMemory buffers the whole blob, rejecting anything over maxBytes.
func downloadToMemory(ctx context.Context, videoURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := blobClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob_download_failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("blob_download_non_2xx status=%d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blob_download_failed: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("blob_too_large max_bytes=%d", maxBytes)
	}
	return data, nil
}
