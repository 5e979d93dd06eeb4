/*
Package events provides an in-process pub/sub broker for lifecycle events.

The orchestrator, health monitor and worker supervisor publish transitions
(service.starting, service.ready, health.unhealthy, worker.restarted, ...)
to the broker. The state journal subscribes and persists every event, and
the admin endpoint's event log reads from the journal. Subscribers with
full buffers are skipped rather than blocking a publisher.
*/
package events
