// Package xdata defines the immutable data-and-calibration snapshot that data
// sources publish to subscribers and hand to displays.
package xdata

import (
	"time"

	"imagecore/pkg/calibration"
	"imagecore/pkg/ndarray"
)

// DataAndCalibration is a point-in-time view of a data source. Shape and
// calibrations are copies; the buffer itself is fetched lazily through the
// loader so that holding a snapshot never pins a large buffer in memory.
type DataAndCalibration struct {
	Shape                   []int
	DType                   ndarray.DType
	IntensityCalibration    calibration.Calibration
	DimensionalCalibrations []calibration.Calibration
	Metadata                map[string]any
	Timestamp               time.Time

	loader func() (*ndarray.Array, error)
}

// New assembles a snapshot. loader may be nil for snapshots without data.
func New(shape []int, dtype ndarray.DType, intensity calibration.Calibration, dims []calibration.Calibration, metadata map[string]any, ts time.Time, loader func() (*ndarray.Array, error)) DataAndCalibration {
	var s []int
	if shape != nil {
		s = append([]int{}, shape...)
	}
	return DataAndCalibration{
		Shape:                   s,
		DType:                   dtype,
		IntensityCalibration:    intensity,
		DimensionalCalibrations: calibration.CloneList(dims),
		Metadata:                metadata,
		Timestamp:               ts,
		loader:                  loader,
	}
}

// FromArray wraps an already resident buffer.
func FromArray(a *ndarray.Array, intensity calibration.Calibration, dims []calibration.Calibration, metadata map[string]any, ts time.Time) DataAndCalibration {
	return New(a.Shape(), a.DType(), intensity, dims, metadata, ts, func() (*ndarray.Array, error) { return a, nil })
}

// HasData reports whether the snapshot describes a buffer.
func (d DataAndCalibration) HasData() bool { return d.Shape != nil && d.DType != "" }

// Data returns the buffer, loading it through the owning source if needed.
func (d DataAndCalibration) Data() (*ndarray.Array, error) {
	if d.loader == nil || !d.HasData() {
		return nil, nil
	}
	return d.loader()
}

// DimensionalShape drops the colour axis from Shape.
func (d DataAndCalibration) DimensionalShape() []int {
	return ndarray.DimensionalShape(d.Shape, d.DType)
}
