// Package dlq is the second, slower retry tier. A delivery unit that exhausts
// its task-level retries with a retryable failure is parked here with an
// exponential next_retry_at; the Sweeper resubmits due entries as fresh
// delivery units and the Archiver moves settled entries to S3.
//
// Entry lifecycle:
//
//	dlq_pending -> retrying -> completed | permanently_failed | archived
//	     ^            |
//	     +------------+  (retry failed again, retries left)
package dlq
