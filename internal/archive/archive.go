package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrInvalidName = errors.New("invalid image name")

// Archive stores captured frames on disk as {plate}_{unix}.jpg. It does not know about visits;
// Link associates images with visits after the fact.
type Archive struct {
	root      string
	tolerance time.Duration
	log       zerolog.Logger
}

func New(root string, tolerance time.Duration, log zerolog.Logger) (*Archive, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %v: %w", absRoot, err)
	}
	return &Archive{
		root:      absRoot,
		tolerance: tolerance,
		log:       log,
	}, nil
}

func (a *Archive) Root() string {
	return a.root
}

// Save writes data under a fresh name for plate at the given capture time and returns the name.
func (a *Archive) Save(plate string, at time.Time, data []byte) (string, error) {
	for seq := 0; seq < 100; seq++ {
		name := ImageName{Plate: plate, Time: at, Seq: seq}.String()
		f, err := os.OpenFile(filepath.Join(a.root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		_, err = f.Write(data)
		if errClose := f.Close(); err == nil {
			err = errClose
		}
		if err != nil {
			os.Remove(f.Name())
			return "", err
		}
		a.log.Debug().Str("image", name).Int("bytes", len(data)).Msg("archived image")
		return name, nil
	}
	return "", fmt.Errorf("too many images for %s at %d", plate, at.Unix())
}

func (a *Archive) Open(name string) (io.ReadCloser, error) {
	path, err := a.Path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (a *Archive) Delete(name string) error {
	path, err := a.Path(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// Path resolves name inside the archive root, rejecting anything that could escape it.
func (a *Archive) Path(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(a.root, name), nil
}

// Catalog lists the archive. Failures are logged and yield an empty catalog.
func (a *Archive) Catalog() *Catalog {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		a.log.Warn().Err(err).Str("dir", a.root).Msg("failed to list image archive")
		return NewCatalog(nil, a.tolerance)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return NewCatalog(names, a.tolerance)
}
