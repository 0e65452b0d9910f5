// Package suppression answers whether an address may receive mail.
//
// Suppressions are global (bounces, complaints) or scoped to one list
// (unsubscribes). Lookups fail open: a storage error is logged and the
// address is treated as deliverable, so a suppression outage never stalls
// a campaign.
//
// The service depends only on the Repository interface in repository.go.
package suppression
