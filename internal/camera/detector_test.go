package camera

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterByConfidence(t *testing.T) {
	in := []Detection{
		{Text: "A", Confidence: 0.49},
		{Text: "B", Confidence: 0.5},
		{Text: "C", Confidence: 0.8},
	}
	out := FilterByConfidence(in, 0.5)
	require.Len(t, out, 2)
	assert.Equal(t, "B", out[0].Text)
	assert.Equal(t, "C", out[1].Text)
}

func TestHTTPDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "jpeg", string(body))
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[
			{"plate":"AB12345","confidence":91.5,"coordinates":[{"x":10,"y":40},{"x":90,"y":20},{"x":85,"y":60}]},
			{"plate":"ZZ","confidence":0.2,"coordinates":[]}
		]}`)
	}))
	defer srv.Close()

	detections, err := NewHTTPDetector(srv.URL, time.Second).Detect(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.Equal(t, "AB12345", detections[0].Text)
	assert.InDelta(t, 0.915, detections[0].Confidence, 1e-9)
	assert.Equal(t, Box{X1: 10, Y1: 20, X2: 90, Y2: 60}, detections[0].Box)
	assert.Equal(t, Box{}, detections[1].Box)
}

func TestHTTPDetectorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPDetector(srv.URL, time.Second).Detect(context.Background(), []byte("jpeg"))
	assert.ErrorIs(t, err, ErrDetectorUnavailable)

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer garbage.Close()

	_, err = NewHTTPDetector(garbage.URL, time.Second).Detect(context.Background(), []byte("jpeg"))
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
}

func TestSnapshotSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			return
		}
		io.WriteString(w, "frame-bytes")
	}))
	defer srv.Close()

	frame, err := NewSnapshotSource(srv.URL+"/snap.jpg", time.Second).Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "frame-bytes", string(frame))

	_, err = NewSnapshotSource(srv.URL+"/empty", time.Second).Capture(context.Background())
	assert.Error(t, err)
}
