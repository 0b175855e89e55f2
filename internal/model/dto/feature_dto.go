package dto

const (
	AccessReasonOwner        = "owner"
	AccessReasonSubscription = "subscription"
	AccessReasonTrial        = "trial"
	AccessReasonTrialUsed    = "trial_used"
)

// FeatureAccessResponse 功能可用性判定
type FeatureAccessResponse struct {
	Feature string `json:"feature"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// UsageResponse 记录一次功能使用后的状态
type UsageResponse struct {
	Feature       string `json:"feature"`
	Subscribed    bool   `json:"subscribed"`
	TrialConsumed bool   `json:"trial_consumed"`
}
