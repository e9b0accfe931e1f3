package estimator

import "math"

// Quat is a rotation quaternion (w, x, y, z) mapping body-frame vectors
// into the world frame. The filter keeps it within a few eps of unit norm.
type Quat struct {
	W, X, Y, Z float64
}

func identityQuat() Quat {
	return Quat{W: 1}
}

func (q Quat) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns the unit quaternion in the same direction. A degenerate
// (near-zero) quaternion resets to identity rather than producing NaNs.
func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n < 1e-12 {
		return identityQuat()
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

func (q Quat) Mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Rotate applies the rotation to a body-frame vector, yielding world frame.
func (q Quat) Rotate(v [3]float64) [3]float64 {
	// v' = q * (0,v) * q^-1, expanded.
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3]float64{
		(1-2*(y*y+z*z))*v[0] + 2*(x*y-w*z)*v[1] + 2*(x*z+w*y)*v[2],
		2*(x*y+w*z)*v[0] + (1-2*(x*x+z*z))*v[1] + 2*(y*z-w*x)*v[2],
		2*(x*z-w*y)*v[0] + 2*(y*z+w*x)*v[1] + (1-2*(x*x+y*y))*v[2],
	}
}

// RotateInverse applies the inverse rotation, mapping world frame to body.
func (q Quat) RotateInverse(v [3]float64) [3]float64 {
	conj := Quat{q.W, -q.X, -q.Y, -q.Z}
	return conj.Rotate(v)
}

// integrateRate advances q by body angular rate w (rad/s) over dt via the
// quaternion derivative q' = q/2 * (0, w). Caller renormalizes.
func integrateRate(q Quat, w [3]float64, dt float64) Quat {
	half := dt / 2
	dq := Quat{
		W: -q.X*w[0] - q.Y*w[1] - q.Z*w[2],
		X: q.W*w[0] + q.Y*w[2] - q.Z*w[1],
		Y: q.W*w[1] - q.X*w[2] + q.Z*w[0],
		Z: q.W*w[2] + q.X*w[1] - q.Y*w[0],
	}
	return Quat{
		W: q.W + dq.W*half,
		X: q.X + dq.X*half,
		Y: q.Y + dq.Y*half,
		Z: q.Z + dq.Z*half,
	}
}

// fromAxisAngle builds a rotation of angle rad about the given (unit) axis.
func fromAxisAngle(axis [3]float64, angle float64) Quat {
	s := math.Sin(angle / 2)
	return Quat{
		W: math.Cos(angle / 2),
		X: axis[0] * s,
		Y: axis[1] * s,
		Z: axis[2] * s,
	}
}

// TiltRad is the angle between the body long axis (+Z, thrust direction)
// and world vertical.
func (q Quat) TiltRad() float64 {
	up := q.Rotate([3]float64{0, 0, 1})
	c := up[2]
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}
