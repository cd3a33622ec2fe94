package pointcloud

import "github.com/pkg/errors"

// The closed set of failure kinds a registration call can surface. Divergence
// is not an error; it is reported through ICPStatus so the best transform
// found so far can still be returned.
var (
	// ErrEmptyInput is returned when a cloud involved in a registration has
	// zero points.
	ErrEmptyInput = errors.New("point cloud has no points")

	// ErrEmptyIndex is returned by queries against a k-d tree built over zero
	// points.
	ErrEmptyIndex = errors.New("empty spatial index")

	// ErrInsufficientCorrespondences is returned when fewer pairs survive
	// rejection than are needed for a determined solve.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences for a determined solve")

	// ErrSolverDegenerate is returned when the cross-covariance of the
	// correspondence set is near-singular and no stable closed-form rotation
	// exists.
	ErrSolverDegenerate = errors.New("solver degenerate: near-singular correspondence covariance")

	// ErrIllConditioned is returned when the point-to-plane normal equations
	// fail their conditioning check.
	ErrIllConditioned = errors.New("ill-conditioned linear system")
)
