package pointcloud

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/align3d/registration/utils"
)

// EstimateNormals computes a unit surface normal for every point of the cloud
// from the covariance of its neighborhood: the eigenvector of the smallest
// eigenvalue is taken as the normal and its sign is flipped to face the given
// viewpoint. Points whose neighborhood holds fewer than three points get an
// explicitly invalid normal and are later excluded from correspondence.
// Normals are written onto the cloud in place; work is parallelized across
// points with no shared mutable state.
func EstimateNormals(cloud *PointCloud, neighborhood int, viewpoint r3.Vector) error {
	if cloud.Size() == 0 {
		return ErrEmptyInput
	}
	if neighborhood < 3 {
		neighborhood = 3
	}
	tree := NewKDTree(cloud)
	cloud.ensureNormals()

	//nolint:errcheck
	utils.GroupWorkParallel(
		context.Background(),
		cloud.Size(),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			// per-group scratch, reused across members
			var eig mat.EigenSym
			var vecs mat.Dense
			return func(memberNum, workNum int) {
				i := workNum
				n, ok := estimateNormalAt(tree, cloud.At(i), neighborhood, viewpoint, &eig, &vecs)
				if !ok {
					cloud.normals[i] = r3.Vector{}
					cloud.normalValid[i] = false
					return
				}
				cloud.normals[i] = n
				cloud.normalValid[i] = true
			}, nil
		},
	)
	return nil
}

func estimateNormalAt(
	tree *KDTree,
	p r3.Vector,
	neighborhood int,
	viewpoint r3.Vector,
	eig *mat.EigenSym,
	vecs *mat.Dense,
) (r3.Vector, bool) {
	// the query point itself is part of its own neighborhood
	nbrs, err := tree.KNearest(p, neighborhood)
	if err != nil || len(nbrs) < 3 {
		return r3.Vector{}, false
	}

	var centroid r3.Vector
	for _, nb := range nbrs {
		centroid = centroid.Add(tree.cloud.At(nb.ID))
	}
	centroid = centroid.Mul(1 / float64(len(nbrs)))

	var xx, xy, xz, yy, yz, zz float64
	for _, nb := range nbrs {
		d := tree.cloud.At(nb.ID).Sub(centroid)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})
	if !eig.Factorize(cov, true) {
		return r3.Vector{}, false
	}
	eig.VectorsTo(vecs)
	// eigenvalues come back ascending; column 0 spans the thinnest direction
	normal := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	norm := normal.Norm()
	if norm < 1e-12 {
		return r3.Vector{}, false
	}
	normal = normal.Mul(1 / norm)

	if normal.Dot(viewpoint.Sub(p)) < 0 {
		normal = normal.Mul(-1)
	}
	return normal, true
}
