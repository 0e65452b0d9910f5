package queue

// DispatchPayload drives one batch of the dispatcher trampoline.
type DispatchPayload struct {
	CampaignID string `json:"campaign_id"`
	Cursor     string `json:"cursor,omitempty"`
	BatchSize  int    `json:"batch_size"`
	Batch      int    `json:"batch"`
}

// DeliveryPayload is one recipient of one campaign. DLQEntryID is set when
// the unit is a retry resubmitted by the DLQ sweeper.
type DeliveryPayload struct {
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	DLQEntryID  string `json:"dlq_entry_id,omitempty"`
}

// FinalizePayload polls a campaign until it has drained.
type FinalizePayload struct {
	CampaignID string `json:"campaign_id"`
	Polls      int    `json:"polls"`
}
