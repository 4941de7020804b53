package model

import (
	"fmt"

	"imagecore/pkg/calibration"
	"imagecore/pkg/ndarray"
)

type calibrationConverter struct{}

func (calibrationConverter) ToStored(v any) any {
	c, ok := v.(calibration.Calibration)
	if !ok {
		return nil
	}
	return c.WriteMap()
}

func (calibrationConverter) FromStored(v any) (any, error) {
	switch c := v.(type) {
	case calibration.Calibration:
		return c, nil
	case map[string]any:
		return calibration.ReadMap(c)
	default:
		return nil, fmt.Errorf("calibration: unexpected %T", v)
	}
}

type calibrationListConverter struct{}

func (calibrationListConverter) ToStored(v any) any {
	list, _ := v.([]calibration.Calibration)
	return calibration.WriteList(list)
}

func (calibrationListConverter) FromStored(v any) (any, error) {
	return calibration.ReadList(v)
}

type dtypeConverter struct{}

func (dtypeConverter) ToStored(v any) any {
	d, ok := v.(ndarray.DType)
	if !ok {
		return nil
	}
	return string(d)
}

func (dtypeConverter) FromStored(v any) (any, error) {
	switch d := v.(type) {
	case ndarray.DType:
		return d, nil
	case string:
		return ndarray.ParseDType(d)
	default:
		return nil, fmt.Errorf("dtype: unexpected %T", v)
	}
}
