/*
Package volume models the shared media volume used to hand off large
files between the Bot API gateway and its consumers without a network
copy.

The gateway writes downloaded media into its file store on this volume;
the ingress serves those files directly and the bot worker reads them in
place. The handle enforces the single-writer/multi-reader discipline in
code rather than relying on mount flags: it exposes no write operations,
and every resolve passes a parent-directory traversal guard, since the
static file path bypasses the gateway's own authorization.
*/
package volume
