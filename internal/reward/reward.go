package reward

// Tier buckets a screening's confidence for the VISION token reward.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Confidence thresholds, in percent. A confidence of exactly 70 earns the
// medium tier and exactly 90 the high tier.
const (
	MediumThreshold = 70.0
	HighThreshold   = 90.0
)

// Base amounts per tier plus the professional-verification bonus, in VISION
// tokens. Maximum possible total is 150.
const (
	BaseLow           = 25
	BaseMedium        = 50
	BaseHigh          = 100
	ProfessionalBonus = 50
)

// Reward is the derived token amount for a screening. It is a pure function
// of confidence and the professional flag; nothing here persists state.
type Reward struct {
	Tier  Tier `json:"tier"`
	Base  int  `json:"base"`
	Bonus int  `json:"bonus"`
	Total int  `json:"total"`
}

// Derive computes the reward tier and amount for a confidence percentage.
func Derive(confidencePercent float64, isProfessional bool) Reward {
	var r Reward
	switch {
	case confidencePercent >= HighThreshold:
		r.Tier, r.Base = TierHigh, BaseHigh
	case confidencePercent >= MediumThreshold:
		r.Tier, r.Base = TierMedium, BaseMedium
	default:
		r.Tier, r.Base = TierLow, BaseLow
	}
	if isProfessional {
		r.Bonus = ProfessionalBonus
	}
	r.Total = r.Base + r.Bonus
	return r
}

// TierInfo describes one row of the fixed tier table.
type TierInfo struct {
	Tier          Tier    `json:"tier"`
	MinConfidence float64 `json:"min_confidence"`
	MaxConfidence float64 `json:"max_confidence"`
	Base          int     `json:"base"`
}

// Tiers returns the fixed reward tier table, lowest tier first.
func Tiers() []TierInfo {
	return []TierInfo{
		{Tier: TierLow, MinConfidence: 0, MaxConfidence: MediumThreshold, Base: BaseLow},
		{Tier: TierMedium, MinConfidence: MediumThreshold, MaxConfidence: HighThreshold, Base: BaseMedium},
		{Tier: TierHigh, MinConfidence: HighThreshold, MaxConfidence: 100, Base: BaseHigh},
	}
}
