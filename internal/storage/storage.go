package storage

import (
	"context"
	"time"

	"github.com/shohag/outreach/internal/models"
)

type Storage interface {
	// Contacts
	CreateContact(ctx context.Context, c *models.Contact) (bool, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetContactByEmail(ctx context.Context, email string) (*models.Contact, error)
	ListEligibleContacts(ctx context.Context, tier string, limit int) ([]models.Contact, error)
	ContactCountsByTier(ctx context.Context) ([]TierCount, error)

	// Sends
	RecordSend(ctx context.Context, s *models.Send, statDate string) error
	ListSendsByContact(ctx context.Context, contactID string) ([]models.Send, error)
	FirstSend(ctx context.Context, contactID string) (*models.Send, error)
	LatestSend(ctx context.Context, contactID string) (*models.Send, error)
	HasSend(ctx context.Context, contactID string, step int) (bool, error)
	CountSendsBetween(ctx context.Context, from, to time.Time) (int, error)
	UpdateSendStatus(ctx context.Context, id string, status models.SendStatus) error
	SendCountsByStep(ctx context.Context) ([]StepCount, error)

	// Bounces
	RecordBounce(ctx context.Context, b *models.Bounce, exclude bool, statDate string) error
	TrailingBounces(ctx context.Context, since time.Time) (int, error)
	RecentOutcomes(ctx context.Context, window int) (*OutcomeSample, error)

	// Unsubscribes
	AddUnsubscribe(ctx context.Context, u *models.Unsubscribe, statDate string) (bool, error)
	IsUnsubscribed(ctx context.Context, email string) (bool, error)
	CountUnsubscribes(ctx context.Context) (int64, error)

	// Campaign state
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error

	// Daily stats
	IncrementStat(ctx context.Context, date string, field models.StatField, n int64) error
	GetDailyStat(ctx context.Context, date string) (*models.DailyStat, error)
	ListDailyStats(ctx context.Context, from, to string) ([]models.DailyStat, error)
	TotalStats(ctx context.Context) (*models.DailyStat, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type TierCount struct {
	Tier     string `json:"tier"`
	Total    int64  `json:"total"`
	Active   int64  `json:"active"`
	Excluded int64  `json:"excluded"`
}

type StepCount struct {
	Tier  string `json:"tier"`
	Step  int    `json:"step"`
	Sends int64  `json:"sends"`
}

// OutcomeSample summarizes the most recent dispatch attempts for the
// safety governor.
type OutcomeSample struct {
	Since          time.Time `json:"since"`
	Sends          int       `json:"sends"`
	FailedAttempts int       `json:"failed_attempts"`
	Bounces        int       `json:"bounces"`
	SpamComplaints int       `json:"spam_complaints"`
}

// Size is the number of dispatch attempts in the sample.
func (o *OutcomeSample) Size() int {
	return o.Sends + o.FailedAttempts
}
