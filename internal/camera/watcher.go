package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-tracker/internal/domain/parking"
	"parking-tracker/internal/service"
	"parking-tracker/internal/utils"
)

type Recorder interface {
	RecordSighting(ctx context.Context, sighting parking.Sighting) (*parking.SightingResult, error)
}

type ImageSaver interface {
	Save(plate string, at time.Time, data []byte) (string, error)
	Delete(name string) error
}

type Options struct {
	CameraID            string
	CameraModel         string
	Interval            time.Duration
	Cooldown            time.Duration
	ConfidenceThreshold float64
	Policy              utils.PlatePolicy
	RetryAttempts       int
	RetryBackoff        time.Duration
}

// Outcome describes what one detected plate led to.
type Outcome struct {
	Plate   string         `json:"plate"`
	Action  parking.Action `json:"action"`
	VisitID int64          `json:"visit_id"`
	Image   string         `json:"image,omitempty"`
}

// Watcher polls a camera, reads plates off each frame and feeds them to the ledger. Frames are
// processed one at a time; manual snapshots share the same lock as the polling loop.
type Watcher struct {
	source   FrameSource
	detector Detector
	recorder Recorder
	images   ImageSaver
	opts     Options
	now      func() time.Time
	log      zerolog.Logger

	mu         sync.Mutex
	lastLogged map[string]time.Time
}

func NewWatcher(source FrameSource, detector Detector, recorder Recorder, images ImageSaver, opts Options, log zerolog.Logger) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.Policy == (utils.PlatePolicy{}) {
		opts.Policy = utils.CameraPlatePolicy
	}
	return &Watcher{
		source:     source,
		detector:   detector,
		recorder:   recorder,
		images:     images,
		opts:       opts,
		now:        time.Now,
		log:        log.With().Str("component", "camera").Str("camera_id", opts.CameraID).Logger(),
		lastLogged: map[string]time.Time{},
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.opts.Interval).Dur("cooldown", w.opts.Cooldown).Msg("camera watcher started")
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("camera watcher stopped")
			return nil
		case <-ticker.C:
			outcomes, err := w.process(ctx, parking.SourceCamera)
			if err != nil {
				if errors.Is(err, ErrDetectorUnavailable) {
					w.log.Warn().Err(err).Msg("no detection this tick")
				} else if ctx.Err() == nil {
					w.log.Error().Err(err).Msg("frame capture failed")
				}
				continue
			}
			for _, o := range outcomes {
				w.log.Info().Str("plate", o.Plate).Str("action", string(o.Action)).Int64("visit_id", o.VisitID).Msg("plate logged")
			}
		}
	}
}

// CaptureOnce grabs and processes a single frame on demand. The cooldown does not apply.
func (w *Watcher) CaptureOnce(ctx context.Context) ([]Outcome, error) {
	return w.process(ctx, parking.SourceSnapshot)
}

func (w *Watcher) process(ctx context.Context, source parking.Source) ([]Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame, err := w.source.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	detections, err := w.detector.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	candidates := FilterByConfidence(detections, w.opts.ConfidenceThreshold)
	w.log.Debug().Int("detections", len(detections)).Int("candidates", len(candidates)).Msg("frame analysed")

	outcomes := []Outcome{}
	// one toggle per plate per frame
	seen := map[string]struct{}{}
	for _, d := range candidates {
		plate, err := w.opts.Policy.Validate(d.Text)
		if err != nil {
			w.log.Debug().Str("raw_text", d.Text).Err(err).Msg("rejected plate candidate")
			continue
		}
		if _, ok := seen[plate]; ok {
			w.log.Debug().Str("plate", plate).Msg("duplicate plate in frame")
			continue
		}
		seen[plate] = struct{}{}

		at := w.now().UTC()
		if source == parking.SourceCamera && w.coolingDown(plate, at) {
			continue
		}

		image, err := w.images.Save(plate, at, frame)
		if err != nil {
			w.log.Warn().Err(err).Str("plate", plate).Msg("failed to archive frame")
			image = ""
		}

		sighting := parking.Sighting{
			ID:          uuid.New(),
			RawText:     d.Text,
			ImageRef:    image,
			Source:      source,
			CameraID:    w.opts.CameraID,
			CameraModel: w.opts.CameraModel,
			Confidence:  d.Confidence,
			ReceivedAt:  at,
		}
		result, err := w.record(ctx, sighting)
		if err != nil {
			if image != "" {
				if delErr := w.images.Delete(image); delErr != nil {
					w.log.Warn().Err(delErr).Str("image", image).Msg("failed to remove orphaned image")
				}
			}
			w.log.Error().Err(err).Str("plate", plate).Str("sighting_id", sighting.ID.String()).Msg("failed to record sighting")
			continue
		}

		w.lastLogged[plate] = at
		outcomes = append(outcomes, Outcome{
			Plate:   plate,
			Action:  result.Action,
			VisitID: result.Visit.ID,
			Image:   image,
		})
	}
	return outcomes, nil
}

// coolingDown also forgets plates whose cooldown has run out.
func (w *Watcher) coolingDown(plate string, at time.Time) bool {
	for p, last := range w.lastLogged {
		if at.Sub(last) >= w.opts.Cooldown {
			delete(w.lastLogged, p)
		}
	}
	_, ok := w.lastLogged[plate]
	return ok
}

// record retries lost races on the open-visit invariant with exponential backoff.
func (w *Watcher) record(ctx context.Context, sighting parking.Sighting) (*parking.SightingResult, error) {
	backoff := w.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		result, err := w.recorder.RecordSighting(ctx, sighting)
		if err == nil || !errors.Is(err, service.ErrConflict) || attempt >= w.opts.RetryAttempts {
			return result, err
		}
		w.log.Warn().Err(err).Int("attempt", attempt).Str("sighting_id", sighting.ID.String()).Msg("conflict recording sighting, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
