// Package pointcloud defines point clouds with flat, id-indexed storage and
// implements the geometric machinery to register them: a k-d tree spatial
// index, neighborhood-based normal estimation, correspondence search with
// robust weighting, rigid transform solvers and the iterative closest point
// engine built on top of them.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/align3d/registration/spatialmath"
)

// NewVector is a convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasNormals   bool
	HasIntensity bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	totalX, totalY, totalZ float64
}

// NewMetaData creates a new MetaData.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the meta data with the new point.
func (meta *MetaData) Merge(v r3.Vector) {
	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}
	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}
	meta.totalX += v.X
	meta.totalY += v.Y
	meta.totalZ += v.Z
}

// PointCloud is an ordered sequence of points sharing a coordinate frame.
// Points are stored in flat contiguous slices indexed by integer id; ids are
// stable for the lifetime of the cloud. Normals and intensities are optional
// parallel attributes allocated on first use.
type PointCloud struct {
	positions   []r3.Vector
	normals     []r3.Vector
	normalValid []bool
	intensities []float64
	meta        MetaData
}

// New returns an empty PointCloud.
func New() *PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty PointCloud with the given capacity.
func NewWithPrealloc(size int) *PointCloud {
	return &PointCloud{
		positions: make([]r3.Vector, 0, size),
		meta:      NewMetaData(),
	}
}

// Size returns the number of points in the cloud.
func (cloud *PointCloud) Size() int {
	return len(cloud.positions)
}

// MetaData returns meta data about the cloud.
func (cloud *PointCloud) MetaData() MetaData {
	return cloud.meta
}

// At returns the position of the point with the given id.
func (cloud *PointCloud) At(i int) r3.Vector {
	return cloud.positions[i]
}

// Append adds a point to the cloud and returns its id.
func (cloud *PointCloud) Append(p r3.Vector) int {
	cloud.positions = append(cloud.positions, p)
	if cloud.normals != nil {
		cloud.normals = append(cloud.normals, r3.Vector{})
		cloud.normalValid = append(cloud.normalValid, false)
	}
	if cloud.intensities != nil {
		cloud.intensities = append(cloud.intensities, 0)
	}
	cloud.meta.Merge(p)
	return len(cloud.positions) - 1
}

// HasNormals returns whether normals have been set on this cloud.
func (cloud *PointCloud) HasNormals() bool {
	return cloud.meta.HasNormals
}

// HasIntensity returns whether intensity values have been set on this cloud.
func (cloud *PointCloud) HasIntensity() bool {
	return cloud.meta.HasIntensity
}

func (cloud *PointCloud) ensureNormals() {
	if cloud.normals == nil {
		cloud.normals = make([]r3.Vector, len(cloud.positions))
		cloud.normalValid = make([]bool, len(cloud.positions))
	}
	cloud.meta.HasNormals = true
}

// SetNormal sets the normal of point i. The normal is normalized to unit
// length; a zero vector marks the normal invalid instead.
func (cloud *PointCloud) SetNormal(i int, n r3.Vector) {
	cloud.ensureNormals()
	norm := n.Norm()
	if norm < 1e-12 {
		cloud.normals[i] = r3.Vector{}
		cloud.normalValid[i] = false
		return
	}
	cloud.normals[i] = n.Mul(1 / norm)
	cloud.normalValid[i] = true
}

// InvalidateNormal explicitly marks the normal of point i invalid, excluding
// the point from normal-dependent correspondence checks.
func (cloud *PointCloud) InvalidateNormal(i int) {
	cloud.ensureNormals()
	cloud.normals[i] = r3.Vector{}
	cloud.normalValid[i] = false
}

// Normal returns the unit normal of point i and whether it is valid.
func (cloud *PointCloud) Normal(i int) (r3.Vector, bool) {
	if cloud.normals == nil {
		return r3.Vector{}, false
	}
	return cloud.normals[i], cloud.normalValid[i]
}

// SetIntensity sets the photometric intensity of point i.
func (cloud *PointCloud) SetIntensity(i int, v float64) {
	if cloud.intensities == nil {
		cloud.intensities = make([]float64, len(cloud.positions))
	}
	cloud.meta.HasIntensity = true
	cloud.intensities[i] = v
}

// Intensity returns the photometric intensity of point i.
func (cloud *PointCloud) Intensity(i int) float64 {
	if cloud.intensities == nil {
		return 0
	}
	return cloud.intensities[i]
}

// Transform returns a new cloud with every point transformed by the given
// pose. Normals are rotated, intensities are carried over, and the input cloud
// is left unmodified.
func (cloud *PointCloud) Transform(pose *spatialmath.Pose) *PointCloud {
	out := NewWithPrealloc(cloud.Size())
	for i, p := range cloud.positions {
		out.Append(pose.TransformPoint(p))
		if cloud.normals != nil {
			if cloud.normalValid[i] {
				out.SetNormal(i, pose.RotateVector(cloud.normals[i]))
			} else {
				out.InvalidateNormal(i)
			}
		}
		if cloud.intensities != nil {
			out.SetIntensity(i, cloud.intensities[i])
		}
	}
	return out
}

// Downsample returns a new cloud keeping every nth point. It is used to cap
// the working-set size of a registration run.
func (cloud *PointCloud) Downsample(nth int) *PointCloud {
	if nth <= 1 {
		nth = 1
	}
	out := NewWithPrealloc(cloud.Size()/nth + 1)
	for i := 0; i < cloud.Size(); i += nth {
		j := out.Append(cloud.positions[i])
		if cloud.normals != nil {
			if cloud.normalValid[i] {
				out.SetNormal(j, cloud.normals[i])
			} else {
				out.InvalidateNormal(j)
			}
		}
		if cloud.intensities != nil {
			out.SetIntensity(j, cloud.intensities[i])
		}
	}
	return out
}

// BoundingSphere returns the center of mass of the cloud and the radius of
// the sphere around it containing every point.
func (cloud *PointCloud) BoundingSphere() (r3.Vector, float64) {
	n := cloud.Size()
	if n == 0 {
		return r3.Vector{}, -1
	}
	center := r3.Vector{
		X: cloud.meta.totalX / float64(n),
		Y: cloud.meta.totalY / float64(n),
		Z: cloud.meta.totalZ / float64(n),
	}
	maxDistSq := 0.0
	for _, p := range cloud.positions {
		if d := p.Sub(center).Norm2(); d > maxDistSq {
			maxDistSq = d
		}
	}
	return center, math.Sqrt(maxDistSq)
}
