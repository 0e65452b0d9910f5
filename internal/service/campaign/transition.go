package campaign

import "github.com/ignite/campaign-dispatch/internal/domain"

// ApplyTransition writes t onto c as a repository would, recording from as
// the previous status. It does not check the expected status.
func ApplyTransition(c *domain.Campaign, from domain.CampaignStatus, t Transition) {
	at := t.At
	c.PreviousStatus = from
	c.Status = t.To
	c.UpdatedAt = at

	switch t.To {
	case domain.CampaignSending:
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
		if t.TargetCount != nil {
			c.TargetCount = *t.TargetCount
		}
		c.PausedAt = nil
		c.PauseReason, c.PausedBy = "", ""
	case domain.CampaignPaused:
		c.PausedAt = &at
		c.PauseReason, c.PausedBy = t.Reason, t.Actor
	case domain.CampaignStopped, domain.CampaignCancelled:
		c.StoppedAt = &at
		c.StopReason, c.StoppedBy = t.Reason, t.Actor
	case domain.CampaignCompleted, domain.CampaignFailed:
		c.CompletedAt = &at
	}
}
