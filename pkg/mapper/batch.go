package mapper

import (
	"context"

	"github.com/pollbridge/pollbridge/pkg/upstream"
)

// Field lists requested per model. One Read per model keeps the cycle at a
// bounded number of RPCs regardless of order count.
var (
	lineFields = []string{
		"order_id",
		"product_id",
		"product_uom_qty",
		"price_unit",
		"name",
	}

	partnerFields = []string{
		"name",
		"email",
		"phone",
		"mobile",
		"street",
		"street2",
		"city",
		"state_id",
		"zip",
		"country_id",
		"country_code",
		"sale_order_count",
	}

	productFields = []string{
		"name",
		"default_code",
		"barcode",
		"product_tmpl_id",
		"product_template_attribute_value_ids",
	}

	templateFields = []string{
		"name",
		"default_code",
	}

	attributeValueFields = []string{
		"name",
	}
)

// Batch holds everything one dispatch loop needs, prefetched and indexed by
// id. The mapper itself never touches the network.
type Batch struct {
	Partners        map[int64]upstream.Record
	Products        map[int64]upstream.Record
	Templates       map[int64]upstream.Record
	AttributeValues map[int64]upstream.Record
	LinesByOrder    map[int64][]upstream.Record
}

// Fetch collects the dependency graph of the given orders: lines, partners,
// products, parent templates and attribute values.
func Fetch(ctx context.Context, client *upstream.Client, orders []upstream.Record) (*Batch, error) {
	batch := &Batch{
		Partners:        map[int64]upstream.Record{},
		Products:        map[int64]upstream.Record{},
		Templates:       map[int64]upstream.Record{},
		AttributeValues: map[int64]upstream.Record{},
		LinesByOrder:    map[int64][]upstream.Record{},
	}
	if len(orders) == 0 {
		return batch, nil
	}

	partnerIDs := map[int64]struct{}{}
	orderIDs := make([]int64, 0, len(orders))
	for _, order := range orders {
		orderIDs = append(orderIDs, order.ID())
		if id, _, ok := order.Many2One("partner_id"); ok {
			partnerIDs[id] = struct{}{}
		}
		if id, _, ok := order.Many2One("partner_shipping_id"); ok {
			partnerIDs[id] = struct{}{}
		}
	}

	lines, err := client.SearchRead(ctx, "sale.order.line",
		[]any{[]any{"order_id", "in", orderIDs}}, lineFields, nil)
	if err != nil {
		return nil, err
	}

	productIDs := map[int64]struct{}{}
	for _, line := range lines {
		oid, _, ok := line.Many2One("order_id")
		if !ok {
			continue
		}
		batch.LinesByOrder[oid] = append(batch.LinesByOrder[oid], line)
		if pid, _, ok := line.Many2One("product_id"); ok {
			productIDs[pid] = struct{}{}
		}
	}

	partners, err := client.Read(ctx, "res.partner", keys(partnerIDs), partnerFields)
	if err != nil {
		return nil, err
	}
	for _, p := range partners {
		batch.Partners[p.ID()] = p
	}

	products, err := client.Read(ctx, "product.product", keys(productIDs), productFields)
	if err != nil {
		return nil, err
	}

	templateIDs := map[int64]struct{}{}
	attrValueIDs := map[int64]struct{}{}
	for _, p := range products {
		batch.Products[p.ID()] = p
		if tid, _, ok := p.Many2One("product_tmpl_id"); ok {
			templateIDs[tid] = struct{}{}
		}
		for _, avID := range p.IDList("product_template_attribute_value_ids") {
			attrValueIDs[avID] = struct{}{}
		}
	}

	templates, err := client.Read(ctx, "product.template", keys(templateIDs), templateFields)
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		batch.Templates[t.ID()] = t
	}

	attrValues, err := client.Read(ctx, "product.template.attribute.value", keys(attrValueIDs), attributeValueFields)
	if err != nil {
		return nil, err
	}
	for _, av := range attrValues {
		batch.AttributeValues[av.ID()] = av
	}

	return batch, nil
}

func keys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
