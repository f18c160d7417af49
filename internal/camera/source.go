package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxFrameBytes = 20 << 20

// FrameSource yields one encoded frame per call.
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// SnapshotSource pulls JPEG snapshots from an IP camera's HTTP snapshot endpoint.
type SnapshotSource struct {
	url    string
	client *http.Client
}

func NewSnapshotSource(url string, timeout time.Duration) *SnapshotSource {
	return &SnapshotSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *SnapshotSource) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot %s: status %d", s.url, resp.StatusCode)
	}
	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("snapshot %s: empty frame", s.url)
	}
	return frame, nil
}
