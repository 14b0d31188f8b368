package models

import "time"

// campaign_state keys.
const (
	StateStartDate  = "start_date"
	StateHaltReason = "halt_reason"
)

// CampaignState is loaded once per run and passed to the components that
// need the campaign's logical start.
type CampaignState struct {
	StartDate  time.Time `json:"start_date"`
	HaltReason string    `json:"halt_reason,omitempty"`
}

func (s *CampaignState) Halted() bool {
	return s.HaltReason != ""
}

type DailyStat struct {
	Date           string `json:"date"`
	TotalSent      int64  `json:"total_sent"`
	Bounces        int64  `json:"bounces"`
	Opens          int64  `json:"opens"`
	Clicks         int64  `json:"clicks"`
	Unsubscribes   int64  `json:"unsubscribes"`
	SpamComplaints int64  `json:"spam_complaints"`
}

// StatField names a daily_stats counter column.
type StatField string

const (
	StatSent           StatField = "total_sent"
	StatBounces        StatField = "bounces"
	StatOpens          StatField = "opens"
	StatClicks         StatField = "clicks"
	StatUnsubscribes   StatField = "unsubscribes"
	StatSpamComplaints StatField = "spam_complaints"
)

func (f StatField) Valid() bool {
	switch f {
	case StatSent, StatBounces, StatOpens, StatClicks, StatUnsubscribes, StatSpamComplaints:
		return true
	}
	return false
}

// SequenceStep is one email of a tier's outreach cadence. Step numbers are
// contiguous from 1; DelayDays counts from the previous step's send.
type SequenceStep struct {
	Number     int    `json:"step" yaml:"step"`
	DelayDays  int    `json:"delay_days" yaml:"delay_days"`
	TemplateID string `json:"template" yaml:"template"`
	IsReply    bool   `json:"is_reply" yaml:"is_reply"`
	Subject    string `json:"subject" yaml:"subject"`
}
