package entitlement

import "slices"

// FeatureType identifies a gated capability.
type FeatureType string

// Free features.
const (
	FeatureQuickTimer FeatureType = "quick_timer"
	FeatureArticles   FeatureType = "articles"
)

// Premium features.
const (
	FeatureCustomRoutines        FeatureType = "custom_routines"
	FeatureAdvancedTimer         FeatureType = "advanced_timer"
	FeatureProgressTracking      FeatureType = "progress_tracking"
	FeatureAdvancedAnalytics     FeatureType = "advanced_analytics"
	FeatureGoalSetting           FeatureType = "goal_setting"
	FeatureAICoach               FeatureType = "ai_coach"
	FeatureLiveActivities        FeatureType = "live_activities"
	FeaturePrioritySupport       FeatureType = "priority_support"
	FeatureUnlimitedBackup       FeatureType = "unlimited_backup"
	FeatureAdvancedCustomization FeatureType = "advanced_customization"
	FeatureExpertInsights        FeatureType = "expert_insights"
	FeaturePremiumContent        FeatureType = "premium_content"
)

// UsageLimit caps how often a non-premium account may use a feature.
type UsageLimit struct {
	Total int `json:"total"`
	// Permanent limits count over the account lifetime; otherwise the
	// counter rolls over daily.
	Permanent bool `json:"permanent"`
}

// FeatureMeta describes how a feature is gated.
type FeatureMeta struct {
	Type        FeatureType `json:"type"`
	DisplayName string      `json:"displayName"`
	Premium     bool        `json:"premium"`
	Limit       *UsageLimit `json:"limit,omitempty"`
}

// Catalog is the set of gated features keyed by type.
type Catalog map[FeatureType]FeatureMeta

// DefaultCatalog is the built-in feature catalog.
var DefaultCatalog = Catalog{
	FeatureQuickTimer:            {Type: FeatureQuickTimer, DisplayName: "Quick Timer"},
	FeatureArticles:              {Type: FeatureArticles, DisplayName: "Articles"},
	FeatureCustomRoutines:        {Type: FeatureCustomRoutines, DisplayName: "Custom Routines", Premium: true},
	FeatureAdvancedTimer:         {Type: FeatureAdvancedTimer, DisplayName: "Advanced Timer", Premium: true},
	FeatureProgressTracking:      {Type: FeatureProgressTracking, DisplayName: "Progress Tracking", Premium: true},
	FeatureAdvancedAnalytics:     {Type: FeatureAdvancedAnalytics, DisplayName: "Advanced Analytics", Premium: true},
	FeatureGoalSetting:           {Type: FeatureGoalSetting, DisplayName: "Goal Setting", Premium: true},
	FeatureAICoach:               {Type: FeatureAICoach, DisplayName: "AI Coach", Premium: true, Limit: &UsageLimit{Total: 3, Permanent: true}},
	FeatureLiveActivities:        {Type: FeatureLiveActivities, DisplayName: "Live Activities", Premium: true},
	FeaturePrioritySupport:       {Type: FeaturePrioritySupport, DisplayName: "Priority Support", Premium: true},
	FeatureUnlimitedBackup:       {Type: FeatureUnlimitedBackup, DisplayName: "Unlimited Backup", Premium: true},
	FeatureAdvancedCustomization: {Type: FeatureAdvancedCustomization, DisplayName: "Advanced Customization", Premium: true},
	FeatureExpertInsights:        {Type: FeatureExpertInsights, DisplayName: "Expert Insights", Premium: true},
	FeaturePremiumContent:        {Type: FeaturePremiumContent, DisplayName: "Premium Content", Premium: true},
}

// Lookup returns the metadata for f.
func (c Catalog) Lookup(f FeatureType) (FeatureMeta, bool) {
	meta, ok := c[f]
	return meta, ok
}

// Features returns every feature type in stable order.
func (c Catalog) Features() []FeatureType {
	out := make([]FeatureType, 0, len(c))
	for f := range c {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// PremiumFeatures returns the premium feature types in stable order.
func (c Catalog) PremiumFeatures() []FeatureType {
	out := make([]FeatureType, 0, len(c))
	for f, meta := range c {
		if meta.Premium {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}
