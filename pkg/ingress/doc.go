/*
Package ingress is the single entry point for all traffic into the
Telegram bot deployment.

Two classes of traffic share one listener and are told apart by a
longest-prefix route table:

  - Bot API calls (everything under /) are reverse-proxied to the
    self-hosted gateway. Bodies can be multi-gigabyte media uploads, so
    the body ceiling defaults to 2 GiB and read/write timeouts to 600
    seconds rather than the usual few seconds.
  - File downloads (under /file/) are served straight from the shared
    media volume the gateway writes into, avoiding a second copy through
    the gateway process. This path carries a mandatory parent-directory
    traversal guard because it bypasses the gateway's authorization.

The proxy path retries exactly once on a refused connection, and only
while the health monitor still reports the gateway Healthy; otherwise it
fails fast with 502 so operators can tell "upstream down" from "bad
request path". The static path never retries.

A separate admin listener exposes /healthz, /readyz, /livez, /metrics
and /statusz.
*/
package ingress
