/*
Package health implements readiness probes and the health monitor for the
stagehand deployment graph.

Readiness here is deliberately stronger than liveness: a probe must
exercise the backend's actual capability, not just its listening socket.
The Postgres probe round-trips SELECT 1, the Redis probe round-trips PING
and the gateway probe issues a lightweight HTTP request (any non-5xx
answer counts, since the Bot API server 404s on its bare root).

# Hysteresis

The monitor applies a dual threshold to avoid flapping a dependent's
startup against a backend that is merely slow:

  - Starting or Unhealthy → Healthy requires SuccessThreshold consecutive
    successes.
  - Healthy → Unhealthy takes exactly one failing probe.
  - MaxRetries consecutive failures from any non-Healthy state → Failed,
    a terminal state that requires Monitor.Reset.

# Readiness waits

The orchestrator never watches process starts. Every dependency edge is a
call to Monitor.WaitHealthy, which blocks on a per-service notification
channel until the monitor transitions the service to Healthy (or Failed,
which unblocks the waiter with a CheckFailedError).

HealthState values have a single writer (the monitor's poll loop) and are
handed to readers as snapshot copies, so a reader can never observe a
half-updated transition.
*/
package health
