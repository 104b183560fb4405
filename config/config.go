// Package config describes the locator service's configuration: the camera
// model, the tagged objects to track, and the wire server. Config files are
// JSON5, so comments and trailing commas are legal, and environment
// references like ${HOME} are expanded before parsing.
package config

import (
	"fmt"
	"net"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/tag"
	"github.com/viamrobotics/taglocator/utils"
)

// Config is the top-level service configuration.
type Config struct {
	Camera  CameraConfig   `json:"camera"`
	Objects []ObjectConfig `json:"objects"`
	Server  ServerConfig   `json:"server"`
}

// Ensure checks the whole configuration tree for validity.
func (c *Config) Ensure() error {
	if err := c.Camera.Validate("camera"); err != nil {
		return err
	}
	if len(c.Objects) == 0 {
		return goutils.NewConfigValidationError("objects", errors.New("at least one object is required"))
	}
	seen := map[string]struct{}{}
	for idx, obj := range c.Objects {
		path := fmt.Sprintf("objects.%d", idx)
		if err := obj.Validate(path); err != nil {
			return err
		}
		if _, ok := seen[obj.Name]; ok {
			return goutils.NewConfigValidationError(path, errors.Errorf("duplicate object name %q", obj.Name))
		}
		seen[obj.Name] = struct{}{}
	}
	return c.Server.Validate("server")
}

// IntrinsicParameters is a calibrated pinhole model.
type IntrinsicParameters struct {
	Fx  float64 `json:"fx"`
	Fy  float64 `json:"fy"`
	Ppx float64 `json:"ppx"`
	Ppy float64 `json:"ppy"`
}

// CameraConfig describes the camera frames come from. The intrinsic matrix
// is either derived from the field of view or taken from a calibration;
// calibration wins when both are given.
type CameraConfig struct {
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	FOVXDegs   float64              `json:"fov_x_degs,omitempty"`
	FOVYDegs   float64              `json:"fov_y_degs,omitempty"`
	Intrinsics *IntrinsicParameters `json:"intrinsics,omitempty"`
	Distortion []float64            `json:"distortion,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *CameraConfig) Validate(path string) error {
	if c.Width <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if c.Height <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "height")
	}
	if c.Intrinsics == nil && c.FOVXDegs == 0 && c.FOVYDegs == 0 {
		return goutils.NewConfigValidationError(path,
			errors.New("camera needs calibrated intrinsics or a field of view on at least one axis"))
	}
	if c.FOVXDegs < 0 || c.FOVXDegs >= 180 || c.FOVYDegs < 0 || c.FOVYDegs >= 180 {
		return goutils.NewConfigValidationError(path,
			errors.New("field of view must be within (0, 180) degrees"))
	}
	if c.Intrinsics != nil {
		if c.Intrinsics.Fx <= 0 {
			return goutils.NewConfigValidationFieldRequiredError(path+".intrinsics", "fx")
		}
		if c.Intrinsics.Fy <= 0 {
			return goutils.NewConfigValidationFieldRequiredError(path+".intrinsics", "fy")
		}
	}
	if n := len(c.Distortion); n != 0 && n != 5 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("distortion must have 5 coefficients, got %d", n))
	}
	if len(c.Distortion) != 0 && c.Intrinsics == nil {
		return goutils.NewConfigValidationError(path,
			errors.New("distortion requires calibrated intrinsics"))
	}
	return nil
}

// Properties materializes the camera model the solvers project through.
func (c *CameraConfig) Properties() (*camera.Properties, error) {
	if c.Intrinsics != nil {
		k := mat.NewDense(3, 3, []float64{
			c.Intrinsics.Fx, 0, c.Intrinsics.Ppx,
			0, c.Intrinsics.Fy, c.Intrinsics.Ppy,
			0, 0, 1,
		})
		return camera.NewCalibrated(c.Width, c.Height, k, c.Distortion)
	}
	return camera.NewFromFOV(c.Width, c.Height, utils.DegToRad(c.FOVXDegs), utils.DegToRad(c.FOVYDegs))
}

// TagRef names one physical marker.
type TagRef struct {
	Family string `json:"family"`
	ID     int    `json:"id"`
}

// InlineTagConfig places one marker on an object without a tagobj file.
// Omitting tv and rv leaves the marker centered and unrotated.
type InlineTagConfig struct {
	Family string    `json:"family"`
	ID     int       `json:"id"`
	Size   float64   `json:"size"`
	TV     []float64 `json:"tv,omitempty"`
	RV     []float64 `json:"rv,omitempty"`
}

// ObjectConfig describes one tracked object, either as a tagobj file plus
// the mapping from its template ids to physical markers, or as inline tags.
type ObjectConfig struct {
	Name       string            `json:"name"`
	TagobjPath string            `json:"tagobj_path,omitempty"`
	IDMapping  map[string]TagRef `json:"id_mapping,omitempty"`
	Tags       []InlineTagConfig `json:"tags,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *ObjectConfig) Validate(path string) error {
	if c.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	switch {
	case c.TagobjPath != "" && len(c.Tags) != 0:
		return goutils.NewConfigValidationError(path,
			errors.New("choose tagobj_path or inline tags, not both"))
	case c.TagobjPath == "" && len(c.Tags) == 0:
		return goutils.NewConfigValidationError(path,
			errors.New("object needs a tagobj_path or inline tags"))
	case c.TagobjPath != "" && len(c.IDMapping) == 0:
		return goutils.NewConfigValidationFieldRequiredError(path, "id_mapping")
	case c.TagobjPath == "" && len(c.IDMapping) != 0:
		return goutils.NewConfigValidationError(path,
			errors.New("id_mapping only applies to a tagobj_path"))
	}
	for idRef, ref := range c.IDMapping {
		if _, err := tag.ParseFamily(ref.Family); err != nil {
			return goutils.NewConfigValidationError(fmt.Sprintf("%s.id_mapping.%s", path, idRef), err)
		}
	}
	used := map[tag.Index]struct{}{}
	for idx, tc := range c.Tags {
		tagPath := fmt.Sprintf("%s.tags.%d", path, idx)
		family, err := tag.ParseFamily(tc.Family)
		if err != nil {
			return goutils.NewConfigValidationError(tagPath, err)
		}
		if tc.Size <= 0 {
			return goutils.NewConfigValidationFieldRequiredError(tagPath, "size")
		}
		if tc.TV != nil && len(tc.TV) != 3 {
			return goutils.NewConfigValidationError(tagPath,
				errors.Errorf("tv must have 3 elements, got %d", len(tc.TV)))
		}
		if tc.RV != nil && len(tc.RV) != 3 {
			return goutils.NewConfigValidationError(tagPath,
				errors.Errorf("rv must have 3 elements, got %d", len(tc.RV)))
		}
		index := tag.Index{Family: family, ID: tc.ID}
		if _, ok := used[index]; ok {
			return goutils.NewConfigValidationError(tagPath,
				errors.Errorf("marker %s appears twice on this object", index))
		}
		used[index] = struct{}{}
	}
	return nil
}

// Object materializes the tracked object this config describes.
func (c *ObjectConfig) Object(logger golog.Logger) (*tag.Object, error) {
	if c.TagobjPath != "" {
		mapping := make(map[string]tag.Index, len(c.IDMapping))
		for idRef, ref := range c.IDMapping {
			family, err := tag.ParseFamily(ref.Family)
			if err != nil {
				return nil, err
			}
			mapping[idRef] = tag.Index{Family: family, ID: ref.ID}
		}
		return tag.LoadObjectFile(c.Name, c.TagobjPath, mapping, logger)
	}
	obj := tag.NewObject(c.Name)
	for _, tc := range c.Tags {
		family, err := tag.ParseFamily(tc.Family)
		if err != nil {
			return nil, err
		}
		var tv, rv r3.Vector
		if tc.TV != nil {
			tv = r3.Vector{X: tc.TV[0], Y: tc.TV[1], Z: tc.TV[2]}
		}
		if tc.RV != nil {
			rv = r3.Vector{X: tc.RV[0], Y: tc.RV[1], Z: tc.RV[2]}
		}
		obj.Tags[tag.Index{Family: family, ID: tc.ID}] = tag.NewLocation(tc.Size, rv, tv)
	}
	return obj, nil
}

// ServerConfig controls the TCP wire server. An empty bind address means the
// server's default.
type ServerConfig struct {
	BindAddress string `json:"bind_address,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *ServerConfig) Validate(path string) error {
	if c.BindAddress == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		return goutils.NewConfigValidationError(path, errors.Wrap(err, "bad bind_address"))
	}
	return nil
}
