package tag

import (
	"encoding/json"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// The range of tagobj format versions this loader understands.
const (
	minTagobjVersion = 1
	maxTagobjVersion = 1
)

// A tagobj file carries a format version and, for version 1, a set of marker
// placements keyed by a template-local string id. The template ids are
// resolved to concrete marker indices through an external id mapping, since
// the format itself does not pin markers to a family or id.
type tagobjFile struct {
	Version *int64                     `json:"version"`
	Tags    map[string]json.RawMessage `json:"tags"`
}

type tagobjEntry struct {
	Size *float64      `json:"size"`
	TV   []float64     `json:"tv"`
	RV   []float64     `json:"rv"`
	RM   *tagobjMatrix `json:"rm"`
}

// Column vectors of the rotation matrix.
type tagobjMatrix struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
	Z []float64 `json:"z"`
}

// LoadObjectFile reads a tagobj JSON file and builds the named object from
// it. See NewObjectFromJSON for the format rules.
func LoadObjectFile(name, path string, idMapping map[string]Index, logger golog.Logger) (*Object, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read tagobj file %q", path)
	}
	obj, err := NewObjectFromJSON(name, data, idMapping, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load tagobj file %q", path)
	}
	return obj, nil
}

// NewObjectFromJSON builds an object from the contents of a versioned tagobj
// JSON document. A missing or non-integer version and an unsupported version
// are hard errors, as is a missing tags table. Individual marker entries that
// cannot be used (unmapped template id, malformed fields, both or neither of
// rv/rm, non-orthonormal rm) are skipped with a warning so one bad entry does
// not take down the whole object.
func NewObjectFromJSON(name string, data []byte, idMapping map[string]Index, logger golog.Logger) (*Object, error) {
	var file tagobjFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "malformed tagobj document")
	}
	if file.Version == nil {
		return nil, errors.New("tagobj document must have an integer 'version' field")
	}
	if *file.Version < minTagobjVersion || *file.Version > maxTagobjVersion {
		return nil, errors.Errorf("tagobj version %d is not supported; supported versions are %d through %d",
			*file.Version, minTagobjVersion, maxTagobjVersion)
	}
	if file.Tags == nil {
		return nil, errors.New("version 1 tagobj document must have a 'tags' field")
	}

	obj := NewObject(name)
	for idRef, raw := range file.Tags {
		index, ok := idMapping[idRef]
		if !ok {
			logger.Infow("template id is not in the tag id mapping; skipping",
				"object", name, "id", idRef)
			continue
		}
		loc, err := parseTagobjEntry(raw)
		if err != nil {
			logger.Warnw("skipping unusable tagobj entry",
				"object", name, "id", idRef, "error", err)
			continue
		}
		obj.Tags[index] = loc
	}
	logger.Infow("loaded tagged object", "name", name, "tags", len(obj.Tags))
	return obj, nil
}

func parseTagobjEntry(raw json.RawMessage) (Location, error) {
	var entry tagobjEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Location{}, errors.Wrap(err, "entry is not a valid object")
	}
	if entry.Size == nil {
		return Location{}, errors.New("entry has no 'size' field")
	}
	if len(entry.TV) != 3 {
		return Location{}, errors.Errorf("'tv' must be a 3-element array, got %d elements", len(entry.TV))
	}
	tvec := r3.Vector{X: entry.TV[0], Y: entry.TV[1], Z: entry.TV[2]}

	switch {
	case entry.RV != nil && entry.RM != nil:
		return Location{}, errors.New("entry defines both 'rv' and 'rm'; choose one rotation form")
	case entry.RV != nil:
		if len(entry.RV) != 3 {
			return Location{}, errors.Errorf("'rv' must be a 3-element array, got %d elements", len(entry.RV))
		}
		rvec := r3.Vector{X: entry.RV[0], Y: entry.RV[1], Z: entry.RV[2]}
		return NewLocation(*entry.Size, rvec, tvec), nil
	case entry.RM != nil:
		if len(entry.RM.X) != 3 || len(entry.RM.Y) != 3 || len(entry.RM.Z) != 3 {
			return Location{}, errors.New("'rm' columns x, y, z must each have 3 elements")
		}
		rm := mat.NewDense(3, 3, []float64{
			entry.RM.X[0], entry.RM.Y[0], entry.RM.Z[0],
			entry.RM.X[1], entry.RM.Y[1], entry.RM.Z[1],
			entry.RM.X[2], entry.RM.Y[2], entry.RM.Z[2],
		})
		loc, err := NewLocationFromMatrix(*entry.Size, rm, tvec)
		if err != nil {
			return Location{}, errors.Wrap(err, "'rm' is not a rotation matrix")
		}
		return loc, nil
	default:
		return Location{}, errors.New("entry defines neither 'rv' nor 'rm'")
	}
}
