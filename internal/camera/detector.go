package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultConfidenceThreshold = 0.5

// ErrDetectorUnavailable means the detector could not be reached or returned garbage. The
// watcher treats it as "nothing seen this tick".
var ErrDetectorUnavailable = errors.New("detector unavailable")

type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is one plate candidate. Confidence is within [0,1]; Text may be empty or garbled.
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
}

type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Detection, error)
}

// FilterByConfidence keeps detections at or above threshold, preserving order.
func FilterByConfidence(detections []Detection, threshold float64) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// HTTPDetector posts a JPEG to an ALPR service and reads back
// {"results":[{"plate":"..","confidence":..,"coordinates":[{"x":..,"y":..},..]}]}.
type HTTPDetector struct {
	url    string
	client *http.Client
}

func NewHTTPDetector(url string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type alprResponse struct {
	Results []alprResult `json:"results"`
}

type alprResult struct {
	Plate       string      `json:"plate"`
	Confidence  float64     `json:"confidence"`
	Coordinates []alprPoint `json:"coordinates"`
}

type alprPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (d *HTTPDetector) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrDetectorUnavailable, resp.StatusCode)
	}

	var body alprResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDetectorUnavailable, err)
	}

	out := make([]Detection, 0, len(body.Results))
	for _, r := range body.Results {
		conf := r.Confidence
		// some engines report percentages
		if conf > 1 {
			conf = conf / 100
		}
		out = append(out, Detection{
			Box:        boundingBox(r.Coordinates),
			Confidence: conf,
			Text:       r.Plate,
		})
	}
	return out, nil
}

func boundingBox(points []alprPoint) Box {
	if len(points) == 0 {
		return Box{}
	}
	b := Box{X1: points[0].X, Y1: points[0].Y, X2: points[0].X, Y2: points[0].Y}
	for _, p := range points[1:] {
		b.X1 = min(b.X1, p.X)
		b.Y1 = min(b.Y1, p.Y)
		b.X2 = max(b.X2, p.X)
		b.Y2 = max(b.Y2, p.Y)
	}
	return b
}
