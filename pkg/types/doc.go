/*
Package types defines the shared data model for stagehand.

These types describe the deployment graph of a self-hosted Telegram bot
stack (Postgres, Redis, the local Bot API gateway, the ingress proxy and
the bot worker) and the state the orchestration core tracks for each
service:

  - ServiceSpec: the immutable declaration of one service, its health
    probe, dependency set and restart policy. Loaded once at startup from
    the topology manifest and never mutated.
  - HealthState: the health monitor's per-service view, with the
    consecutive success/failure counters the hysteresis rules operate on.
  - NodeState: the orchestration plan's per-node lifecycle
    (Pending → Starting → Ready → Stopping → Stopped, or Failed).
  - Route: one entry in the ingress route table.

Keeping the model here avoids import cycles between the orchestrator, the
health monitor and the ingress, all of which read these types.
*/
package types
