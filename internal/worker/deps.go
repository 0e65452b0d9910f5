package worker

import (
	"context"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/dlq"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
	"github.com/ignite/campaign-dispatch/internal/template"
)

// CampaignStore is the campaign persistence the workers touch.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	IncrementCounters(ctx context.Context, id string, delta domain.Counters) error
	AdvanceCursor(ctx context.Context, id, from, to string) (bool, error)
}

// AttemptStore persists delivery attempts and answers the idempotency guard.
type AttemptStore interface {
	Record(ctx context.Context, a *domain.DeliveryAttempt) (bool, error)
	HasSuccess(ctx context.Context, campaignID, recipientID string) (bool, error)
	// SettledRecipients returns the recipients already sent, delivered or
	// skipped for the campaign.
	SettledRecipients(ctx context.Context, campaignID string, recipientIDs []string) (map[string]bool, error)
}

// Audience pages through a campaign's recipients by id.
type Audience interface {
	RecipientsPage(ctx context.Context, campaignID, after string, limit int) ([]domain.Recipient, error)
	Recipient(ctx context.Context, campaignID, recipientID string) (*domain.Recipient, error)
}

// Suppressions is the suppression collaborator. Both checks fail open.
type Suppressions interface {
	Check(ctx context.Context, email string, listIDs []string) domain.SuppressionDecision
	CheckBulk(ctx context.Context, emails []string, listIDs []string) map[string]domain.SuppressionDecision
	Suppress(ctx context.Context, email string, reason domain.SuppressionReason, listID, campaignID string) error
}

// FlagReader reads the pause/stop flags fresh on every call.
type FlagReader interface {
	State(ctx context.Context, campaignID string) (cache.FlagState, error)
}

// Finalizer settles a campaign once its units drained.
type Finalizer interface {
	Drained(ctx context.Context, c *domain.Campaign) (bool, error)
	Finalize(ctx context.Context, id string) (domain.Progress, bool, error)
}

// Templates loads and renders campaign content.
type Templates interface {
	GetTemplate(ctx context.Context, id string) (*template.Template, error)
	Render(t *template.Template, fieldMap map[string]string, r *domain.Recipient, fallbacks map[string]string) (template.Rendered, error)
}

// Sender is the provider manager.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*provider.Result, error)
}

// Throttle enforces a campaign's own per-minute rate.
type Throttle interface {
	AllowCampaign(ctx context.Context, campaignID string, perMinute int) (ratelimit.Decision, error)
}

// DeadLetters is the DLQ manager as seen by the delivery worker.
type DeadLetters interface {
	HandleFailure(ctx context.Context, f dlq.Failure) (dlq.Decision, error)
	Complete(ctx context.Context, entryID string) error
	Archive(ctx context.Context, entryID, reason string) error
}

// suppressionLists is the list scope a campaign's recipients are checked against.
func suppressionLists(c *domain.Campaign) []string {
	out := make([]string, 0, len(c.TargetListIDs)+len(c.SuppressionListIDs))
	out = append(out, c.TargetListIDs...)
	return append(out, c.SuppressionListIDs...)
}
