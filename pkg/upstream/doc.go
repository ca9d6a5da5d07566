/*
Package upstream implements the JSON-RPC client for the polled business
application.

The client speaks the two-service protocol exposed at /jsonrpc: "common"
for authentication and "object" for model access via execute_kw. It caches
the authenticated session uid and re-authenticates transparently exactly
once when the upstream rejects a cached session mid-call.

# Request Shape

Every call is a POST of:

	{
	  "jsonrpc": "2.0",
	  "method": "call",
	  "params": {"service": ..., "method": ..., "args": [...]},
	  "id": <sequence>
	}

Model calls wrap their positional arguments in a single list:

	args = [db, uid, apiKey, model, method, [positional...], kwargs]

search_read passes the domain positionally and fields/order/limit as
kwargs; limit and order are only included when set, since a zero limit
would mean "no rows" rather than "no cap".

# Error Taxonomy

	AuthError       credentials rejected or session expired
	RateLimitError  HTTP 429, the caller should back off
	RPCError        any other protocol-level fault

A protocol error whose message mentions the session or access denial is
classified as AuthError, which triggers the single transparent re-auth.
Any non-auth RPC error invalidates the cached session so the next cycle
starts clean.

# Verbatim Numbers

Responses are decoded with UseNumber, so numeric fields surface as
json.Number all the way into the envelope. Monetary amounts cross the
bridge with the exact digits the upstream sent.

# Record Accessors

The upstream encodes null as the boolean false in record fields. The
Record type absorbs that convention at this seam so callers never see it:

	rec.Str("note")       false → ""
	rec.StrOrNil("ref")   false → nil
	rec.Many2One("partner_id")  [id, label] → id, label
	rec.Number("amount_total")  json.Number, false → "0"

# Usage

	client := upstream.NewClient(url, db, user, apiKey, httpClient)
	uid, err := client.Authenticate(ctx)
	orders, err := client.SearchRead(ctx, "sale.order", domain, fields,
		&upstream.SearchOptions{Order: "write_date asc", Limit: 100})
*/
package upstream
