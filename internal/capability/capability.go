// Package capability declares the typed operation interfaces a device
// may support (spec §4.B). A device exposes a subset; callers discover
// which one via DeviceInfo.Capabilities. Every interface method takes
// a context so the caller can attach a deadline (spec §5) and returns
// a daqerr-classified error on failure.
package capability

import (
	"context"

	"github.com/labrun/photonrun/internal/frame"
)

// Movable is implemented by devices with one or more positioned axes
// (motorized stages, rotation mounts). axis == "" addresses the
// device's default/only axis.
type Movable interface {
	MoveAbsolute(ctx context.Context, axis string, position float64) error
	MoveRelative(ctx context.Context, axis string, delta float64) error
	Position(ctx context.Context, axis string) (float64, error)
	Stop(ctx context.Context, axis string) error
	IsMoving(ctx context.Context, axis string) (bool, error)
	Limits(ctx context.Context, axis string) (min, max float64, err error)
}

// Readable is implemented by devices that produce a scalar reading
// (power meters, multimeters).
type Readable interface {
	Read(ctx context.Context) (float64, error)
}

// ReadableWithUnits is an optional extension of Readable for devices
// whose driver descriptor declares response units.
type ReadableWithUnits interface {
	Readable
	ReadWithUnits(ctx context.Context) (value float64, units string, err error)
}

// WavelengthTunable is implemented by tunable lasers and monochromators.
type WavelengthTunable interface {
	SetWavelength(ctx context.Context, nm float64) error
	Wavelength(ctx context.Context) (float64, error)
	WavelengthRange(ctx context.Context) (min, max float64, err error)
}

// ShutterControl is implemented by devices with a beam shutter.
type ShutterControl interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsOpen(ctx context.Context) (bool, error)
}

// ROI describes a region of interest for frame acquisition.
type ROI struct {
	X, Y, Width, Height int
}

// FrameProducer is implemented by cameras and other imaging sensors.
type FrameProducer interface {
	Configure(ctx context.Context, exposureMS, gain float64, roi *ROI) error
	StartExposure(ctx context.Context) error
	StopExposure(ctx context.Context) error
	Frames() <-chan frame.Frame
}

// TriggerMode selects how Arm prepares a device to respond to Trigger.
type TriggerMode string

// Triggerable is implemented by devices that can be externally triggered.
type Triggerable interface {
	Trigger(ctx context.Context) error
	Arm(ctx context.Context, mode TriggerMode) error
}

// NamedParameter pairs a parameter name with its erased accessor. The
// accessor type itself (observable.Erased) lives in package observable;
// capability only needs the name half to avoid a dependency cycle, so
// Parameterized is expressed generically over the accessor type.
type NamedParameter[Erased any] struct {
	Name     string
	Accessor Erased
}

// Parameterized is implemented by devices exposing a ParameterSet
// (spec §4.B); Erased is instantiated with observable.Erased by
// concrete drivers.
type Parameterized[Erased any] interface {
	Parameters(ctx context.Context) ([]NamedParameter[Erased], error)
}
