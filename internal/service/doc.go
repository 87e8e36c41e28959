// Package service runs the PPS processing chain.
//
// A Listener turns level-1 notifications into events on a channel it owns.
// The Supervisor reads that channel in a single loop, asks the
// scene.Aggregator whether the scene of each event is complete and submits
// complete scenes to a dispatch.Pool. Each pooled job is a JobRunner.Run:
//
//	argv -> Runner (PPS script, timeout) -> TimeControl -> artifact.Scan
//	     -> artifact.ParseName -> Outbox
//
// The Publisher drains the Outbox to the transport in FIFO order.
//
//	Listener --events--> Supervisor.dispatch --Submit--> Pool --> JobRunner
//	                                                               |
//	transport <-- Publisher <-------------- Outbox <---------------+
//
// Runner is a thin wrapper around os/exec: it starts one process, forwards
// stdout and stderr line by line, kills the process on timeout and joins
// both readers before returning the Result.
//
// NWP preparation (CommandPreparer) runs at startup, before every job and
// optionally on a cron schedule; calls are serialized.
//
// Shutdown is driven by ctx: the listener stops and closes its channel, the
// dispatch loop ends, the pool drains for the shutdown grace and then
// cancels what is left, the outbox closes and the publisher sends what is
// queued before closing the transport publisher.
package service
