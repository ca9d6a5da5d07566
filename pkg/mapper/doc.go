/*
Package mapper normalizes upstream order records into webhook envelopes.

Mapping is split in two: Fetch assembles the Batch (order lines, partners,
products, templates, attribute values) with a bounded number of upstream
calls regardless of order count, and MapOrder is a pure function from one
order plus the batch to an Envelope. Keeping MapOrder free of I/O makes
the interesting logic trivially testable.

# Batch Prefetch

Fetch collects the foreign keys across all candidate orders and issues one
read per model:

	sale.order.line                   search_read by order_id
	res.partner                       read (billing + shipping contacts)
	product.product                   read
	product.template                  read (SKU fallback)
	product.template.attribute.value  read (variant labels)

# Normalization Rules

SKU fallback chain, first non-empty wins:

	default_code → barcode → template default_code → "UPSTREAM-{db}-{productID}"

Variant label: attribute value names joined with ", " in upstream order.

Phone: mobile preferred over landline.

Dates: "YYYY-MM-DD HH:MM:SS" becomes RFC3339 with a Z suffix; a value
that does not parse passes through untouched rather than failing the
order.

Quantities: integral floats take integer form ("2" not "2.0"); other
numerics pass through verbatim as json.Number.

Lines with quantity <= 0 are dropped.

external_id is "upstream_{db}_{orderID}", the downstream idempotency key.

# Defects

MapOrder returns an error only for records that cannot identify
themselves (missing order id). Everything else degrades field by field:
a missing partner yields an envelope without a customer, not a rejected
order.
*/
package mapper
