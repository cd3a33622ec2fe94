package pointcloud

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Metric selects which residual the transform solver minimizes. It is a
// closed enumeration so the per-correspondence hot loop can switch on it
// without dynamic dispatch.
type Metric int

const (
	// PointToPoint minimizes the euclidean distance between paired points.
	PointToPoint Metric = iota
	// PointToPlane minimizes displacement along the target surface normal.
	PointToPlane
)

// String implements fmt.Stringer.
func (m Metric) String() string {
	switch m {
	case PointToPoint:
		return "point_to_point"
	case PointToPlane:
		return "point_to_plane"
	}
	return "unknown"
}

// UnmarshalYAML decodes a metric from its string name.
func (m *Metric) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "point_to_point":
		*m = PointToPoint
	case "point_to_plane":
		*m = PointToPlane
	default:
		return errors.Errorf("unknown metric %q", node.Value)
	}
	return nil
}

// MarshalYAML encodes a metric as its string name.
func (m Metric) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// RobustKernel selects the outlier down-weighting applied to correspondence
// residuals. Every kernel is monotonically non-increasing in residual
// magnitude beyond its scale.
type RobustKernel int

const (
	// KernelNone applies uniform weights.
	KernelNone RobustKernel = iota
	// KernelHuber keeps unit weight up to the scale and decays as scale/|r|.
	KernelHuber
	// KernelTukey decays smoothly and cuts off entirely beyond the scale.
	KernelTukey
)

// String implements fmt.Stringer.
func (k RobustKernel) String() string {
	switch k {
	case KernelNone:
		return "none"
	case KernelHuber:
		return "huber"
	case KernelTukey:
		return "tukey"
	}
	return "unknown"
}

// UnmarshalYAML decodes a kernel from its string name.
func (k *RobustKernel) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "none", "":
		*k = KernelNone
	case "huber":
		*k = KernelHuber
	case "tukey":
		*k = KernelTukey
	default:
		return errors.Errorf("unknown robust kernel %q", node.Value)
	}
	return nil
}

// MarshalYAML encodes a kernel as its string name.
func (k RobustKernel) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// ICPConfig carries every tunable of a registration run, for both the
// point-cloud and the depth-image engines. Zero thresholds mean "no limit"
// where that is meaningful.
type ICPConfig struct {
	Metric Metric       `yaml:"metric"`
	Kernel RobustKernel `yaml:"robust_kernel"`
	// KernelScale is the residual magnitude beyond which the robust kernel
	// starts down-weighting.
	KernelScale float64 `yaml:"kernel_scale"`

	// MaxCorrespondenceDistance rejects pairs further apart than this; 0
	// disables the check.
	MaxCorrespondenceDistance float64 `yaml:"max_correspondence_distance"`
	// MaxCorrespondenceDistanceRel expresses the rejection distance as a
	// fraction of the target bounding-sphere radius, so one tuning works
	// across scenes of different extent. RegisterICP resolves it to an
	// absolute distance at the start of a run; it only applies when
	// MaxCorrespondenceDistance is 0.
	MaxCorrespondenceDistanceRel float64 `yaml:"max_correspondence_distance_rel"`
	// MaxNormalAngleDeg rejects pairs whose normals deviate by more than this
	// many degrees; 0 disables the check.
	MaxNormalAngleDeg  float64 `yaml:"max_normal_angle_deg"`
	MinCorrespondences int     `yaml:"min_correspondences"`

	MaxIterations int `yaml:"max_iterations"`
	// ResidualTolerance is the absolute residual improvement below which the
	// run counts as converged.
	ResidualTolerance float64 `yaml:"residual_tolerance"`
	// RelativeTolerance is the relative residual improvement below which the
	// run counts as converged.
	RelativeTolerance float64 `yaml:"relative_tolerance"`
	// TranslationTolerance and RotationToleranceDeg bound the magnitude of an
	// incremental transform considered a fixed point.
	TranslationTolerance float64 `yaml:"translation_tolerance"`
	RotationToleranceDeg float64 `yaml:"rotation_tolerance_deg"`
	// MaxDivergedIterations is how many consecutive residual increases are
	// tolerated before the run is declared diverged.
	MaxDivergedIterations int `yaml:"max_diverged_iterations"`

	// NormalNeighborhood is the k used for unstructured normal estimation.
	NormalNeighborhood int `yaml:"normal_neighborhood"`
	// DownsampleNth keeps every nth source point to cap the working-set size
	// of a cloud registration; values below 2 keep every point. The
	// depth-image engine ignores it since the pyramid already bounds its
	// per-level point count.
	DownsampleNth int `yaml:"downsample_nth"`

	// Depth-image engine settings.
	PyramidLevels int `yaml:"pyramid_levels"`
	// PhotometricRatio mixes the photometric term into the residual; 0 is
	// purely geometric, values approaching 1 purely photometric.
	PhotometricRatio float64 `yaml:"photometric_ratio"`
	// DepthDiffThreshold is the projective occlusion heuristic: reject a
	// correspondence when source and target depth disagree by more than this.
	DepthDiffThreshold    float64 `yaml:"depth_diff_threshold"`
	BilateralSpatialSigma float64 `yaml:"bilateral_spatial_sigma"`
	BilateralRangeSigma   float64 `yaml:"bilateral_range_sigma"`
}

// DefaultICPConfig returns the config used when callers have no tuned
// parameters of their own.
func DefaultICPConfig() *ICPConfig {
	return &ICPConfig{
		Metric:                       PointToPlane,
		Kernel:                       KernelNone,
		KernelScale:                  1.0,
		MaxCorrespondenceDistance:    0,
		MaxCorrespondenceDistanceRel: 0,
		MaxNormalAngleDeg:            45,
		MinCorrespondences:           3,
		MaxIterations:                30,
		ResidualTolerance:            1e-9,
		RelativeTolerance:            1e-6,
		TranslationTolerance:         1e-7,
		RotationToleranceDeg:         1e-4,
		MaxDivergedIterations:        3,
		NormalNeighborhood:           10,
		DownsampleNth:                0,
		PyramidLevels:                3,
		PhotometricRatio:             0.1,
		DepthDiffThreshold:           0.5,
		BilateralSpatialSigma:        2.0,
		BilateralRangeSigma:          0.1,
	}
}

// LoadICPConfig reads a YAML file of tuned parameters over the defaults.
func LoadICPConfig(path string) (*ICPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read ICP config")
	}
	cfg := DefaultICPConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse ICP config")
	}
	return cfg, nil
}
