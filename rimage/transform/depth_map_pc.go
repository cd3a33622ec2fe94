package transform

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/align3d/registration/pointcloud"
	"github.com/align3d/registration/rimage"
)

// ratio beyond which neighbor spacing is considered asymmetric enough that a
// central difference would smear a depth discontinuity
const tangentRatioThreshold = 2.0

// pointGrid keeps back-projected points in image layout so normals and the
// projective lookup can use pixel adjacency.
type pointGrid struct {
	width  int
	height int
	points []r3.Vector
	valid  []bool
}

func (g *pointGrid) at(x, y int) (r3.Vector, bool) {
	if x < 0 || y < 0 || x >= g.width || y >= g.height {
		return r3.Vector{}, false
	}
	i := y*g.width + x
	return g.points[i], g.valid[i]
}

// backprojectGrid lifts every valid depth sample into camera space.
func backprojectGrid(dm *rimage.DepthMap, params *PinholeCameraIntrinsics) *pointGrid {
	w, h := dm.Width(), dm.Height()
	grid := &pointGrid{
		width:  w,
		height: h,
		points: make([]r3.Vector, w*h),
		valid:  make([]bool, w*h),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !dm.Valid(x, y) {
				continue
			}
			px, py, pz := params.PixelToPoint(float64(x), float64(y), dm.GetDepth(x, y))
			i := y*w + x
			grid.points[i] = r3.Vector{X: px, Y: py, Z: pz}
			grid.valid[i] = true
		}
	}
	return grid
}

// tangent picks the best finite difference along one grid direction. When
// both neighbors sit at comparable distances a central difference is taken;
// when one side is much further away, likely across a depth edge, only the
// nearer side is used.
func tangent(center, neg, pos r3.Vector, negOK, posOK bool) r3.Vector {
	if !negOK {
		neg = r3.Vector{}
	}
	if !posOK {
		pos = r3.Vector{}
	}
	negDistSq := neg.Sub(center).Norm2()
	posDistSq := pos.Sub(center).Norm2()
	ratio := negDistSq / posDistSq
	threshSq := tangentRatioThreshold * tangentRatioThreshold
	switch {
	case ratio < threshSq && ratio > 1/threshSq:
		return pos.Sub(neg)
	case negDistSq < posDistSq:
		return center.Sub(neg)
	default:
		return pos.Sub(center)
	}
}

// structuredNormals computes a per-pixel surface normal from the cross
// product of the horizontal and vertical surface tangents. Pixels whose
// tangents are degenerate get a zero normal.
func structuredNormals(grid *pointGrid) []r3.Vector {
	normals := make([]r3.Vector, len(grid.points))
	for y := 0; y < grid.height; y++ {
		for x := 0; x < grid.width; x++ {
			i := y*grid.width + x
			if !grid.valid[i] {
				continue
			}
			center := grid.points[i]
			left, leftOK := grid.at(x-1, y)
			right, rightOK := grid.at(x+1, y)
			leftToRight := tangent(center, left, right, leftOK, rightOK)

			top, topOK := grid.at(x, y-1)
			bottom, bottomOK := grid.at(x, y+1)
			bottomToTop := tangent(center, bottom, top, bottomOK, topOK)

			normal := leftToRight.Cross(bottomToTop)
			if mag := normal.Norm(); mag > 1e-9 {
				normals[i] = normal.Mul(1 / mag)
			}
		}
	}
	return normals
}

// DepthMapToPointCloud back-projects a depth map into an unorganized point
// cloud with structured normals, carrying per-point intensity when an
// intensity map is given. Invalid depth samples produce no point.
func DepthMapToPointCloud(dm *rimage.DepthMap, im *rimage.IntensityMap, params *PinholeCameraIntrinsics) (*pointcloud.PointCloud, error) {
	if dm == nil {
		return nil, errors.New("no depth channel. Cannot project to Pointcloud")
	}
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if im != nil && (im.Width() != dm.Width() || im.Height() != dm.Height()) {
		return nil, errors.Errorf("depth map and intensity dimensions don't match Depth(%d,%d) != Intensity(%d,%d)",
			dm.Width(), dm.Height(), im.Width(), im.Height())
	}

	grid := backprojectGrid(dm, params)
	normals := structuredNormals(grid)

	pc := pointcloud.NewWithPrealloc(dm.ValidCount())
	for y := 0; y < grid.height; y++ {
		for x := 0; x < grid.width; x++ {
			i := y*grid.width + x
			if !grid.valid[i] {
				continue
			}
			id := pc.Append(grid.points[i])
			pc.SetNormal(id, normals[i])
			if im != nil {
				pc.SetIntensity(id, im.GetIntensity(x, y))
			}
		}
	}
	return pc, nil
}
