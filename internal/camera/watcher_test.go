package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-tracker/internal/domain/parking"
	"parking-tracker/internal/service"
)

type staticSource struct {
	frame []byte
	err   error
}

func (s staticSource) Capture(ctx context.Context) ([]byte, error) {
	return s.frame, s.err
}

type staticDetector struct {
	detections []Detection
	err        error
}

func (d staticDetector) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	return d.detections, d.err
}

type fakeRecorder struct {
	mu        sync.Mutex
	sightings []parking.Sighting
	conflicts int
	err       error
}

func (r *fakeRecorder) RecordSighting(ctx context.Context, s parking.Sighting) (*parking.SightingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sightings = append(r.sightings, s)
	if r.conflicts > 0 {
		r.conflicts--
		return nil, fmt.Errorf("%w: lost race", service.ErrConflict)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &parking.SightingResult{
		Action: parking.ActionEntry,
		Visit:  parking.Visit{ID: int64(len(r.sightings)), Plate: s.RawText},
	}, nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sightings)
}

type memoryImages struct {
	saved     map[string][]byte
	deleted   []string
	deleteErr error
}

func (m *memoryImages) Save(plate string, at time.Time, data []byte) (string, error) {
	name := fmt.Sprintf("%s_%d.jpg", plate, at.Unix())
	m.saved[name] = data
	return name, nil
}

func (m *memoryImages) Delete(name string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.saved, name)
	m.deleted = append(m.deleted, name)
	return nil
}

func newTestWatcher(detections []Detection, rec *fakeRecorder) (*Watcher, *memoryImages, *time.Time) {
	images := &memoryImages{saved: map[string][]byte{}}
	w := NewWatcher(
		staticSource{frame: []byte("frame")},
		staticDetector{detections: detections},
		rec,
		images,
		Options{
			CameraID:            "gate-1",
			CameraModel:         "hik-ds2",
			Cooldown:            time.Minute,
			ConfidenceThreshold: DefaultConfidenceThreshold,
			RetryAttempts:       3,
			RetryBackoff:        time.Millisecond,
		},
		zerolog.Nop(),
	)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	return w, images, &now
}

func TestProcessFiltersCandidates(t *testing.T) {
	rec := &fakeRecorder{}
	w, images, _ := newTestWatcher([]Detection{
		{Text: "AB12345", Confidence: 0.9},
		{Text: "CD67890", Confidence: 0.3},
		{Text: "X1", Confidence: 0.95},
		{Text: "", Confidence: 0.99},
	}, rec)

	outcomes, err := w.process(context.Background(), parking.SourceCamera)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "AB12345", outcomes[0].Plate)
	assert.Equal(t, parking.ActionEntry, outcomes[0].Action)
	assert.Contains(t, images.saved, outcomes[0].Image)

	require.Equal(t, 1, rec.count())
	s := rec.sightings[0]
	assert.Equal(t, parking.SourceCamera, s.Source)
	assert.Equal(t, "gate-1", s.CameraID)
	assert.Equal(t, outcomes[0].Image, s.ImageRef)
	assert.InDelta(t, 0.9, s.Confidence, 1e-9)
	assert.Equal(t, "hik-ds2", s.Metadata()["camera_model"])
}

func TestProcessCooldown(t *testing.T) {
	rec := &fakeRecorder{}
	w, _, now := newTestWatcher([]Detection{{Text: "AB12345", Confidence: 0.9}}, rec)
	ctx := context.Background()

	_, err := w.process(ctx, parking.SourceCamera)
	require.NoError(t, err)

	*now = now.Add(30 * time.Second)
	outcomes, err := w.process(ctx, parking.SourceCamera)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 1, rec.count())

	outcomes, err = w.CaptureOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, parking.SourceSnapshot, rec.sightings[1].Source)

	*now = now.Add(61 * time.Second)
	outcomes, err = w.process(ctx, parking.SourceCamera)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, 3, rec.count())
}

func TestProcessRetriesConflicts(t *testing.T) {
	rec := &fakeRecorder{conflicts: 2}
	w, images, _ := newTestWatcher([]Detection{{Text: "AB12345", Confidence: 0.9}}, rec)

	outcomes, err := w.process(context.Background(), parking.SourceCamera)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 3, rec.count())
	assert.Empty(t, images.deleted)
}

func TestProcessDropsImageOnFailure(t *testing.T) {
	rec := &fakeRecorder{conflicts: 5}
	w, images, _ := newTestWatcher([]Detection{{Text: "AB12345", Confidence: 0.9}}, rec)

	outcomes, err := w.process(context.Background(), parking.SourceCamera)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 3, rec.count())
	require.Len(t, images.deleted, 1)
	assert.Empty(t, images.saved)

	rec.conflicts = 0
	rec.err = errors.New("disk full")
	outcomes, err = w.process(context.Background(), parking.SourceCamera)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 4, rec.count())
}

func TestProcessDetectorUnavailable(t *testing.T) {
	w := NewWatcher(
		staticSource{frame: []byte("frame")},
		staticDetector{err: fmt.Errorf("%w: timeout", ErrDetectorUnavailable)},
		&fakeRecorder{},
		&memoryImages{saved: map[string][]byte{}},
		Options{},
		zerolog.Nop(),
	)
	_, err := w.CaptureOnce(context.Background())
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := &fakeRecorder{}
	images := &memoryImages{saved: map[string][]byte{}}
	w := NewWatcher(
		staticSource{frame: []byte("frame")},
		staticDetector{detections: []Detection{{Text: "AB12345", Confidence: 0.9}}},
		rec,
		images,
		Options{Interval: 5 * time.Millisecond, Cooldown: time.Hour},
		zerolog.Nop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, 1, rec.count())
}

func TestProcessRecordsPlateOncePerFrame(t *testing.T) {
	for _, source := range []parking.Source{parking.SourceCamera, parking.SourceSnapshot} {
		t.Run(string(source), func(t *testing.T) {
			rec := &fakeRecorder{}
			w, _, _ := newTestWatcher([]Detection{
				{Text: "AB12345", Confidence: 0.9},
				{Text: "AB-12345", Confidence: 0.8},
				{Text: "CD67890", Confidence: 0.7},
			}, rec)

			outcomes, err := w.process(context.Background(), source)
			require.NoError(t, err)
			require.Len(t, outcomes, 2)
			assert.Equal(t, "AB12345", outcomes[0].Plate)
			assert.Equal(t, "CD67890", outcomes[1].Plate)
			assert.Equal(t, 2, rec.count())
		})
	}
}

func TestCooldownForgetsExpiredPlates(t *testing.T) {
	rec := &fakeRecorder{}
	w, _, now := newTestWatcher(nil, rec)

	w.lastLogged["AB12345"] = *now
	w.lastLogged["CD67890"] = now.Add(-2 * time.Minute)

	assert.True(t, w.coolingDown("AB12345", now.Add(10*time.Second)))
	assert.NotContains(t, w.lastLogged, "CD67890")

	assert.False(t, w.coolingDown("AB12345", now.Add(time.Minute)))
	assert.Empty(t, w.lastLogged)
}

func TestProcessContinuesWhenImageCleanupFails(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	w, images, _ := newTestWatcher([]Detection{
		{Text: "AB12345", Confidence: 0.9},
		{Text: "CD67890", Confidence: 0.9},
	}, rec)
	images.deleteErr = errors.New("read-only filesystem")

	outcomes, err := w.process(context.Background(), parking.SourceCamera)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 2, rec.count())
	assert.Len(t, images.saved, 2)
}
