// Package campaign implements the campaign lifecycle state machine.
//
//	draft/scheduled -> sending        Start
//	sending <-> paused                Pause / Resume
//	sending/paused/scheduled -> stopped   Stop
//	draft/scheduled -> cancelled      Cancel
//	sending -> completed/failed       Finalize
//
// Every transition is a conditional update on the expected current status;
// losing that race surfaces as ErrConcurrentChange and is never retried
// here. Pause and stop also raise an ephemeral flag that the dispatcher and
// delivery workers read before doing any work.
//
// Repository implementations live in repository/postgres/.
package campaign
