package archive

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"parking-tracker/internal/domain/parking"
)

const DefaultTolerance = 5 * time.Minute

// captureSlack covers the gap between stamping a frame and stamping the visit it produced,
// plus the truncation of file names to whole seconds.
const captureSlack = 2 * time.Second

var imageNamePattern = regexp.MustCompile(`^([A-Z0-9]+)_(\d+)(?:_(\d+))?\.(jpe?g|png)$`)

type ImageName struct {
	Plate string
	Time  time.Time
	Seq   int
	Ext   string // defaults to jpg
}

func (n ImageName) String() string {
	ext := n.Ext
	if ext == "" {
		ext = "jpg"
	}
	if n.Seq > 0 {
		return fmt.Sprintf("%s_%d_%d.%s", n.Plate, n.Time.Unix(), n.Seq, ext)
	}
	return fmt.Sprintf("%s_%d.%s", n.Plate, n.Time.Unix(), ext)
}

// ParseImageName understands {plate}_{unix}[_{seq}].jpg. Other names (snapshot_*.jpg, etc) are skipped.
func ParseImageName(name string) (ImageName, bool) {
	m := imageNamePattern.FindStringSubmatch(name)
	if m == nil {
		return ImageName{}, false
	}
	sec, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ImageName{}, false
	}
	seq := 0
	if m[3] != "" {
		seq, _ = strconv.Atoi(m[3])
	}
	return ImageName{Plate: m[1], Time: time.Unix(sec, 0).UTC(), Seq: seq, Ext: m[4]}, true
}

type VisitImages struct {
	Entry string `json:"entry_image,omitempty"`
	Exit  string `json:"exit_image,omitempty"`
}

// Catalog is an immutable snapshot of archived image names grouped by plate.
type Catalog struct {
	byPlate   map[string][]ImageName
	tolerance time.Duration
}

func NewCatalog(names []string, tolerance time.Duration) *Catalog {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	c := &Catalog{byPlate: map[string][]ImageName{}, tolerance: tolerance}
	for _, name := range names {
		if img, ok := ParseImageName(name); ok {
			c.byPlate[img.Plate] = append(c.byPlate[img.Plate], img)
		}
	}
	for _, imgs := range c.byPlate {
		sort.Slice(imgs, func(i, j int) bool {
			if !imgs[i].Time.Equal(imgs[j].Time) {
				return imgs[i].Time.Before(imgs[j].Time)
			}
			return imgs[i].Seq < imgs[j].Seq
		})
	}
	return c
}

// Link picks the entry image (earliest capture from the entry time up to the tolerance) and,
// for closed visits, the exit image (capture nearest the exit time within the tolerance).
// An explicit image reference on the visit wins for the entry. No match yields empty names.
func (c *Catalog) Link(v parking.Visit) VisitImages {
	var out VisitImages
	imgs := c.byPlate[v.Plate]
	notBefore := v.EntryTime.Add(-captureSlack)

	if v.ImageRef != "" {
		out.Entry = v.ImageRef
	} else {
		for _, img := range imgs {
			if img.Time.Before(notBefore) {
				continue
			}
			if img.Time.After(v.EntryTime.Add(c.tolerance)) {
				break
			}
			out.Entry = img.String()
			break
		}
	}

	if v.ExitTime == nil {
		return out
	}
	best := time.Duration(-1)
	for _, img := range imgs {
		name := img.String()
		if img.Time.Before(notBefore) || name == out.Entry {
			continue
		}
		d := img.Time.Sub(*v.ExitTime)
		if d < 0 {
			d = -d
		}
		if d > c.tolerance {
			continue
		}
		if best < 0 || d < best {
			best = d
			out.Exit = name
		}
	}
	return out
}
