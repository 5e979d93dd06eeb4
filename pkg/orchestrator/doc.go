/*
Package orchestrator sequences the multi-service deployment: Postgres,
Redis, the self-hosted Bot API gateway, the ingress and the bot worker.

Startup is gated on health, not on process existence. A service's node
only leaves Starting when the health monitor reports it Healthy, which
itself requires consecutive probe successes. Dependents block on that
signal, so the bot worker never sees a database that accepted a TCP
connection but is still replaying WAL.

Failures cascade: when a node fails permanently, everything downstream
is marked Failed without being started. A partially failed plan is
retried with exponential backoff; only Failed and Pending nodes are
re-attempted, Ready services stay untouched. After MaxRetries the
orchestrator gives up permanently and every later Start returns the same
error.

Shutdown is the reverse walk: dependents are stopped before the
services they depend on.
*/
package orchestrator
