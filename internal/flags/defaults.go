package flags

import "github.com/flipgate/flipgate/internal/core"

// Defaults returns the flag definitions seeded at manager initialization.
// Local and remote config merge over these.
func Defaults() []core.Flag {
	tenPercent := 10
	full := 100

	return []core.Flag{
		{
			Name:        "v2_mentor",
			Description: "Route mentor traffic to the 2.0 handler",
			Default:     false,
			Rollout: &core.Rollout{
				Percentage: &tenPercent,
				Cohorts: core.CohortRollouts{
					{Cohort: "beta_testers", Enabled: true},
					{Cohort: "internal_users", Enabled: true},
				},
			},
			ErrorThreshold: &core.ErrorThreshold{Rate: 0.5, Window: 300, MinSamples: 10},
		},
		{
			Name:        "v2_creator",
			Description: "Route creator traffic to the 2.0 handler",
			Default:     false,
			Rollout: &core.Rollout{
				Cohorts: core.CohortRollouts{
					{Cohort: "internal_users", Enabled: true},
				},
			},
			ErrorThreshold: &core.ErrorThreshold{Rate: 0.5, Window: 300, MinSamples: 10},
		},
		{
			Name:        "v2_publisher",
			Description: "Route publisher traffic to the 2.0 handler",
			Default:     false,
			Dependencies: []string{
				"v2_creator",
			},
		},
		{
			Name:        "new_onboarding",
			Description: "Redesigned onboarding flow experiment",
			Default:     false,
			Rollout:     &core.Rollout{Percentage: &full},
			Variants: []core.Variant{
				{Name: "control", Weight: 50},
				{Name: "guided", Weight: 30},
				{Name: "minimal", Weight: 20},
			},
		},
		{
			Name:        "dark_mode",
			Description: "Dark mode UI",
			Default:     true,
		},
	}
}
