package qrsign

import (
	"time"

	"github.com/shopspring/decimal"
)

type InitialPayload struct {
	OrderID    string
	BranchID   string
	CustomerID string
	CashierID  string
	Timestamp  time.Time
}

type ZatcaData struct {
	SellerName            string
	VATRegistrationNumber string
	InvoiceTimestamp      time.Time
	InvoiceTotal          decimal.Decimal
	VATTotal              decimal.Decimal
}

type ExitPayload struct {
	InitialPayload
	Status string
	Expiry time.Time
	Zatca  ZatcaData
}

// Fields returns the receipt QR members. Empty customer and cashier ids are
// left out rather than signed as empty strings.
func (p InitialPayload) Fields() map[string]any {
	fields := map[string]any{
		"order_id":  p.OrderID,
		"branch_id": p.BranchID,
		FieldType:   TypeInitial,
		"timestamp": FormatTime(p.Timestamp),
	}
	if p.CustomerID != "" {
		fields["customer_id"] = p.CustomerID
	}
	if p.CashierID != "" {
		fields["cashier_id"] = p.CashierID
	}
	return fields
}

func (p ExitPayload) Fields() map[string]any {
	fields := p.InitialPayload.Fields()
	fields[FieldType] = TypeExit
	fields[FieldExpiry] = FormatTime(p.Expiry)
	fields["status"] = p.Status
	fields["zatca_data"] = map[string]any{
		"seller_name":             p.Zatca.SellerName,
		"vat_registration_number": p.Zatca.VATRegistrationNumber,
		"invoice_timestamp":       FormatTime(p.Zatca.InvoiceTimestamp),
		"invoice_total":           p.Zatca.InvoiceTotal.StringFixed(2),
		"vat_total":               p.Zatca.VATTotal.StringFixed(2),
	}
	return fields
}
