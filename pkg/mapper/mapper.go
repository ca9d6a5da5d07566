package mapper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pollbridge/pollbridge/pkg/types"
	"github.com/pollbridge/pollbridge/pkg/upstream"
)

// Platform is the source platform tag carried in every envelope
const Platform = "UPSTREAM"

// Source identifies the connection an envelope originates from
type Source struct {
	DB           string
	ConnectionID string
	StoreID      string
	ClientID     string
}

// ExternalID builds the stable idempotency key for an order
func ExternalID(db string, orderID int64) string {
	return fmt.Sprintf("upstream_%s_%d", db, orderID)
}

// MapOrder transforms one upstream order and its prefetched dependencies into
// the outbound envelope. Pure: no I/O, no mutation of its inputs.
func MapOrder(order upstream.Record, batch *Batch, src Source) (*types.Envelope, error) {
	orderID := order.ID()
	if orderID == 0 {
		return nil, fmt.Errorf("order record has no id")
	}

	partner := lookupMany2One(batch.Partners, order, "partner_id")
	shipping := lookupMany2One(batch.Partners, order, "partner_shipping_id")
	if shipping == nil {
		shipping = partner
	}

	state := order.Str("state")
	clientRef := order.StrOrNil("client_order_ref")

	env := &types.Envelope{
		Event:      "order.confirmed",
		ExternalID: ExternalID(src.DB, orderID),
		Source: types.EnvelopeSource{
			Platform:     Platform,
			ConnectionID: src.ConnectionID,
			StoreID:      src.StoreID,
			ClientID:     src.ClientID,
		},
		Order: types.EnvelopeOrder{
			PlatformOrderID:     strconv.FormatInt(orderID, 10),
			PlatformOrderNumber: order.Str("name"),
			DateOrder:           normalizeDate(order.Str("date_order")),
			FinancialStatus:     financialStatus(state),
			Note:                order.StrOrNil("note"),
			ClientOrderRef:      clientRef,
			AmountTotal:         order.Number("amount_total"),
			Tags:                []string{},
			PlatformAttributes: map[string]any{
				"upstream_state":   state,
				"client_order_ref": clientRef,
			},
		},
		Customer:        mapCustomer(partner),
		ShippingAddress: mapShippingAddress(shipping),
		Items:           mapItems(order, batch, src.DB),
	}
	return env, nil
}

func lookupMany2One(index map[int64]upstream.Record, order upstream.Record, key string) upstream.Record {
	id, _, ok := order.Many2One(key)
	if !ok {
		return nil
	}
	return index[id]
}

// financialStatus: the fetch predicate only admits confirmed states, so these
// report paid; anything else (manual re-send paths) reports pending.
func financialStatus(state string) string {
	switch state {
	case "sale", "done":
		return "paid"
	default:
		return "pending"
	}
}

func mapCustomer(partner upstream.Record) types.Customer {
	if partner == nil {
		return types.Customer{}
	}
	return types.Customer{
		Name:        partner.StrOrNil("name"),
		Phone:       contactPhone(partner),
		Email:       partner.StrOrNil("email"),
		OrdersCount: int(partner.Int("sale_order_count")),
	}
}

// contactPhone prefers the mobile number and falls back to the landline
func contactPhone(partner upstream.Record) *string {
	if mobile := partner.StrOrNil("mobile"); mobile != nil {
		return mobile
	}
	return partner.StrOrNil("phone")
}

func mapShippingAddress(partner upstream.Record) types.ShippingAddress {
	if partner == nil {
		return types.ShippingAddress{}
	}
	_, stateName, _ := partner.Many2One("state_id")
	phone := ""
	if p := contactPhone(partner); p != nil {
		phone = *p
	}
	return types.ShippingAddress{
		Name:     partner.Str("name"),
		Address1: partner.Str("street"),
		Address2: partner.Str("street2"),
		City:     partner.Str("city"),
		Province: stateName,
		Zip:      partner.Str("zip"),
		Country:  strings.ToUpper(partner.Str("country_code")),
		Phone:    phone,
	}
}

func mapItems(order upstream.Record, batch *Batch, db string) []types.EnvelopeItem {
	lines := batch.LinesByOrder[order.ID()]
	items := make([]types.EnvelopeItem, 0, len(lines))
	for _, line := range lines {
		qty := line.Number("product_uom_qty")
		if f, err := qty.Float64(); err != nil || f <= 0 {
			continue
		}

		productID, _, _ := line.Many2One("product_id")
		product := batch.Products[productID]

		var template upstream.Record
		if product != nil {
			if tid, _, ok := product.Many2One("product_tmpl_id"); ok {
				template = batch.Templates[tid]
			}
		}

		name := line.Str("name")
		if name == "" && product != nil {
			name = product.Str("name")
		}

		items = append(items, types.EnvelopeItem{
			Sku:         resolveSKU(product, template, db, productID),
			Name:        name,
			VariantName: variantLabel(product, batch),
			Quantity:    normalizeQuantity(qty),
			PriceCents:  line.Number("price_unit"),
		})
	}
	return items
}

// resolveSKU applies the ordered fallback: product code, product barcode,
// template code, synthesized identifier.
func resolveSKU(product, template upstream.Record, db string, productID int64) string {
	if product != nil {
		if code := product.Str("default_code"); code != "" {
			return code
		}
		if barcode := product.Str("barcode"); barcode != "" {
			return barcode
		}
	}
	if template != nil {
		if code := template.Str("default_code"); code != "" {
			return code
		}
	}
	return fmt.Sprintf("UPSTREAM-%s-%d", db, productID)
}

// variantLabel joins the product's template attribute values in the order the
// upstream declares them
func variantLabel(product upstream.Record, batch *Batch) string {
	if product == nil {
		return ""
	}
	var parts []string
	for _, avID := range product.IDList("product_template_attribute_value_ids") {
		if av, ok := batch.AttributeValues[avID]; ok {
			if name := av.Str("name"); name != "" {
				parts = append(parts, name)
			}
		}
	}
	return strings.Join(parts, ", ")
}

// normalizeQuantity keeps integral quantities as integers and everything else
// verbatim
func normalizeQuantity(qty json.Number) json.Number {
	if _, err := qty.Int64(); err == nil {
		return qty
	}
	f, err := qty.Float64()
	if err != nil {
		return qty
	}
	if f == float64(int64(f)) {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return qty
}

// upstream datetime layout
const upstreamTimeLayout = "2006-01-02 15:04:05"

// normalizeDate reformats the upstream's datetime as RFC 3339 with a Z
// suffix. Unparseable input passes through untouched.
func normalizeDate(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(upstreamTimeLayout, s)
	if err != nil {
		return s
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
