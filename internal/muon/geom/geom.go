// Package geom holds the geometry primitives of the detector volume: straight
// particle paths and axis-aligned boxes, plus the segment/box intersection
// test used by the sampler and the density accumulator.
//
// Everything here is a plain value type. Nothing in this package allocates,
// logs or keeps state, so it is safe to call from any number of goroutines.
package geom

import (
	"errors"
	"fmt"
)

// ErrInvalidBox is returned when a box is constructed with a non-positive extent.
var ErrInvalidBox = errors.New("invalid box")

// Path is a straight trajectory segment between an initial point
// (Xi, Yi, Zi) and a final point (Xf, Yf, Zf). Coordinates are nominally in
// [0,1] but this is not enforced.
type Path struct {
	Xi, Yi, Zi float64
	Xf, Yf, Zf float64
}

// NewPath returns the path between the two given endpoints.
func NewPath(xi, yi, zi, xf, yf, zf float64) Path {
	return Path{Xi: xi, Yi: yi, Zi: zi, Xf: xf, Yf: yf, Zf: zf}
}

// Reverse returns the same segment with its endpoints swapped.
func (p Path) Reverse() Path {
	return Path{Xi: p.Xf, Yi: p.Yf, Zi: p.Zf, Xf: p.Xi, Yf: p.Yi, Zf: p.Zi}
}

// IsVertical reports whether the projected (x, y) start and end coincide.
func (p Path) IsVertical() bool {
	return p.Xi == p.Xf && p.Yi == p.Yf
}

// String implements fmt.Stringer.
func (p Path) String() string {
	return fmt.Sprintf("(%g, %g, %g)->(%g, %g, %g)", p.Xi, p.Yi, p.Zi, p.Xf, p.Yf, p.Zf)
}

// Box is the closed axis-aligned region [X, X+DX] × [Y, Y+DY] × [Z, Z+DZ].
// Use NewBox to get a box with validated extents.
type Box struct {
	X, Y, Z    float64
	DX, DY, DZ float64
}

// NewBox returns a box anchored at its lower corner (x, y, z) with extents
// (dx, dy, dz). Every extent must be strictly positive.
func NewBox(x, y, z, dx, dy, dz float64) (Box, error) {
	// !(d > 0) also rejects NaN
	if !(dx > 0) || !(dy > 0) || !(dz > 0) {
		return Box{}, fmt.Errorf("%w: extents (%g, %g, %g) must be positive", ErrInvalidBox, dx, dy, dz)
	}
	return Box{X: x, Y: y, Z: z, DX: dx, DY: dy, DZ: dz}, nil
}

// MustBox is NewBox for literals known to be valid. It panics otherwise.
func MustBox(x, y, z, dx, dy, dz float64) Box {
	b, err := NewBox(x, y, z, dx, dy, dz)
	if err != nil {
		panic(err)
	}
	return b
}

// Max returns the upper corner of the box.
func (b Box) Max() (x, y, z float64) {
	return b.X + b.DX, b.Y + b.DY, b.Z + b.DZ
}

// Contains reports whether the point lies inside the closed box.
func (b Box) Contains(x, y, z float64) bool {
	mx, my, mz := b.Max()
	return x >= b.X && x <= mx &&
		y >= b.Y && y <= my &&
		z >= b.Z && z <= mz
}

// Edges returns the twelve edges of the box as paths, for wireframe rendering.
func (b Box) Edges() []Path {
	x0, y0, z0 := b.X, b.Y, b.Z
	x1, y1, z1 := b.Max()
	return []Path{
		// bottom face
		NewPath(x0, y0, z0, x1, y0, z0),
		NewPath(x1, y0, z0, x1, y1, z0),
		NewPath(x1, y1, z0, x0, y1, z0),
		NewPath(x0, y1, z0, x0, y0, z0),
		// top face
		NewPath(x0, y0, z1, x1, y0, z1),
		NewPath(x1, y0, z1, x1, y1, z1),
		NewPath(x1, y1, z1, x0, y1, z1),
		NewPath(x0, y1, z1, x0, y0, z1),
		// verticals
		NewPath(x0, y0, z0, x0, y0, z1),
		NewPath(x1, y0, z0, x1, y0, z1),
		NewPath(x1, y1, z0, x1, y1, z1),
		NewPath(x0, y1, z0, x0, y1, z1),
	}
}
