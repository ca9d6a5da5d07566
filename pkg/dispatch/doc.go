/*
Package dispatch delivers order envelopes to downstream webhooks.

One POST per envelope with:

	Content-Type: application/json
	X-Upstream-Connection-Id: <connection id>
	X-Webhook-Secret: <secret, when configured>

Any status in [200, 300) is success. Everything else becomes a SendError
carrying the status code and the first 200 bytes of the response body, so
cycle logs stay readable when a downstream returns an HTML error page.

Backoff computes the retry schedule shared by the worker sweep and the
CLI: 30s, 60s, 120s, 240s, then 600s for every later attempt.
*/
package dispatch
