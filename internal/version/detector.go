package version

import (
	"log/slog"
	"strings"

	"github.com/flipgate/flipgate/internal/core"
)

// v2PathPatterns is checked before v1PathPatterns, so paths matching both
// lists resolve toward 2.0.
var v2PathPatterns = []string{"/v2/", "/mentor/", "/creator/", "/publisher/", "/framework/", "/obsidian/"}

var v1PathPatterns = []string{"/collector/", "/scholar/", "/agent/", "/v1/", "/legacy/"}

// flagGatedSegment routes a path segment to 2.0 when its gating flag is
// enabled for the requesting user.
type flagGatedSegment struct {
	segment string
	flag    string
}

var flagGatedSegments = []flagGatedSegment{
	{segment: "mentor", flag: "v2_mentor"},
	{segment: "creator", flag: "v2_creator"},
	{segment: "publisher", flag: "v2_publisher"},
}

// FlagEvaluator answers flag queries for flag-gated path detection.
// Satisfied by flags.Manager.
type FlagEvaluator interface {
	IsEnabled(flagName string, ec core.EvaluationContext) bool
}

// Detector decides which version handles a request. Signals are evaluated in
// strict priority order; the first match wins:
//
//  1. explicit x-flcm-version header
//  2. user preferred version, when overrides are enabled
//  3. path pattern match (2.0 list before 1.0 list)
//  4. flag-gated path segments
//  5. the configured default
type Detector struct {
	cfg   Config
	flags FlagEvaluator
	log   *slog.Logger
}

// NewDetector creates a Detector. flags may be nil, disabling flag-gated
// detection.
func NewDetector(cfg Config, flags FlagEvaluator, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{cfg: cfg, flags: flags, log: log}
}

// Detect returns the version that should handle req.
func (d *Detector) Detect(req *Request) Version {
	if v, ok := ParseVersion(req.header(Header)); ok {
		return v
	}

	if d.cfg.UserOverridesEnabled && req.User != nil {
		if v, ok := ParseVersion(string(req.User.PreferredVersion)); ok {
			return v
		}
	}

	for _, pattern := range v2PathPatterns {
		if strings.Contains(req.Path, pattern) {
			return V2
		}
	}
	for _, pattern := range v1PathPatterns {
		if strings.Contains(req.Path, pattern) {
			return V1
		}
	}

	if d.flags != nil {
		ec := core.EvaluationContext{}
		if req.User != nil {
			ec.UserID = req.User.ID
		}
		for _, gated := range flagGatedSegments {
			if strings.Contains(req.Path, gated.segment) && d.flags.IsEnabled(gated.flag, ec) {
				d.log.Debug("flag-gated route to 2.0", "path", req.Path, "flag", gated.flag)
				return V2
			}
		}
	}

	return d.cfg.DefaultVersion
}
