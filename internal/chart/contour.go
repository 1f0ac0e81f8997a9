package chart

// ContourConfig carries the mariner depth settings, in metres. Shallow and
// deep bound the depth bands; safety selects the safety contour. The
// shallow <= safety <= deep ordering is expected but not enforced.
type ContourConfig struct {
	Safety       float64
	Shallow      float64
	Deep         float64
	HazardBuffer float64 // metres; 0 means unset
}

// DefaultContours is the process default applied when a request carries no
// contour parameters.
var DefaultContours = ContourConfig{Safety: 10, Shallow: 5, Deep: 30}

// UniformContours collapses all three depths onto a single safety contour,
// mirroring requests that pass only `sc`.
func UniformContours(sc float64) ContourConfig {
	return ContourConfig{Safety: sc, Shallow: sc, Deep: sc}
}
