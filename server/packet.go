// Package server broadcasts located-object poses to TCP subscribers as
// newline-delimited JSON, one packet per object per frame.
package server

import (
	"time"

	"github.com/viamrobotics/taglocator/spatialmath"
)

// Transform is a pose on the wire: a unit quaternion in (i, j, k, w) order
// and a translation vector.
type Transform struct {
	RQ [4]float64 `json:"rq"`
	T  [3]float64 `json:"t"`
}

// ObjectLocationPacket reports where one object was at one instant. Time is
// milliseconds since the Unix epoch.
type ObjectLocationPacket struct {
	Time      uint64    `json:"time"`
	Name      string    `json:"name"`
	Transform Transform `json:"transform"`
}

// NewObjectLocationPacket encodes a solved pose for the wire.
func NewObjectLocationPacket(ts time.Time, name string, pose *spatialmath.Pose) ObjectLocationPacket {
	q := pose.Quaternion()
	tv := pose.Translation()
	return ObjectLocationPacket{
		Time: uint64(ts.UnixMilli()),
		Name: name,
		Transform: Transform{
			RQ: [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real},
			T:  [3]float64{tv.X, tv.Y, tv.Z},
		},
	}
}
