package geom

// Intersects reports whether the finite segment p touches the closed box b.
//
// This is the slab test restricted to the segment's parametric range
// t ∈ [0,1]: each axis narrows the running interval [tmin, tmax] to the
// parameters for which the segment lies between that axis' two faces. An
// axis along which the segment does not move either contains the segment's
// coordinate (no constraint) or rejects it outright. Faces are closed, so a
// segment that only grazes an edge or face still intersects.
func Intersects(p Path, b Box) bool {
	tmin, tmax := 0.0, 1.0

	var ok bool
	if tmin, tmax, ok = clipAxis(p.Xi, p.Xf, b.X, b.DX, tmin, tmax); !ok {
		return false
	}
	if tmin, tmax, ok = clipAxis(p.Yi, p.Yf, b.Y, b.DY, tmin, tmax); !ok {
		return false
	}
	if tmin, tmax, ok = clipAxis(p.Zi, p.Zf, b.Z, b.DZ, tmin, tmax); !ok {
		return false
	}
	return tmin <= tmax
}

// clipAxis narrows [tmin, tmax] to the parameters where the segment from i to f
// lies within [corner, corner+dim] on a single axis.
func clipAxis(i, f, corner, dim, tmin, tmax float64) (float64, float64, bool) {
	delta := f - i
	if delta == 0 {
		// Stationary on this axis: no division, just a range check.
		if i < corner || i > corner+dim {
			return tmin, tmax, false
		}
		return tmin, tmax, true
	}

	t0 := (corner - i) / delta
	t1 := (corner + dim - i) / delta
	if t0 > t1 {
		t0, t1 = t1, t0
	}
	if t0 > tmin {
		tmin = t0
	}
	if t1 < tmax {
		tmax = t1
	}
	return tmin, tmax, tmin <= tmax
}

// Bounds is the per-axis range covered by a path.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// Bounds returns the axis-aligned range spanned by the path's endpoints.
func (p Path) Bounds() Bounds {
	return Bounds{
		MinX: min(p.Xi, p.Xf), MaxX: max(p.Xi, p.Xf),
		MinY: min(p.Yi, p.Yf), MaxY: max(p.Yi, p.Yf),
		MinZ: min(p.Zi, p.Zf), MaxZ: max(p.Zi, p.Zf),
	}
}

// Overlaps is the cheap rejection test run before Intersects in hot loops:
// it returns false when the path's endpoints both lie below or both lie
// above the box on some axis. A true result only means the exact test is
// worth running.
func (pb Bounds) Overlaps(b Box) bool {
	mx, my, mz := b.Max()
	if pb.MaxX < b.X || pb.MinX > mx {
		return false
	}
	if pb.MaxY < b.Y || pb.MinY > my {
		return false
	}
	if pb.MaxZ < b.Z || pb.MinZ > mz {
		return false
	}
	return true
}

// Overlaps is shorthand for p.Bounds().Overlaps(b).
func Overlaps(p Path, b Box) bool {
	return p.Bounds().Overlaps(b)
}
