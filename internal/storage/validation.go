package storage

import "fmt"

func validatePayment(p *Payment) error {
	if p == nil {
		return fmt.Errorf("payment is nil")
	}
	if p.Reference == "" {
		return fmt.Errorf("payment reference is required")
	}
	if p.TransactionCode == "" {
		return fmt.Errorf("transaction code is required")
	}
	if p.BuyerID == "" {
		return fmt.Errorf("buyer id is required")
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("payment has no items")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("payment amount must be positive")
	}
	if p.Status == "" {
		return fmt.Errorf("payment status is required")
	}
	return nil
}

func validateOrder(o *Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}
	if o.Reference == "" {
		return fmt.Errorf("order reference is required")
	}
	if o.PaymentRef == "" {
		return fmt.Errorf("order payment reference is required")
	}
	if o.BuyerID == "" {
		return fmt.Errorf("order buyer id is required")
	}
	if o.ProductID == "" {
		return fmt.Errorf("order product id is required")
	}
	if o.ItemIndex < 0 {
		return fmt.Errorf("order item index must not be negative")
	}
	return nil
}

func validateDelivery(d *DeliverySnapshot) error {
	if d == nil {
		return fmt.Errorf("delivery is nil")
	}
	if d.OrderRef == "" {
		return fmt.Errorf("delivery order reference is required")
	}
	if d.FileID == "" {
		return fmt.Errorf("delivery file id is required")
	}
	if d.MaxDownloads <= 0 {
		return fmt.Errorf("delivery max downloads must be positive")
	}
	return nil
}

func validateEntitlement(e *EntitlementRecord) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	if e.OrderRef == "" {
		return fmt.Errorf("entitlement order reference is required")
	}
	if e.PaymentRef == "" {
		return fmt.Errorf("entitlement payment reference is required")
	}
	if e.BuyerID == "" {
		return fmt.Errorf("entitlement buyer id is required")
	}
	if e.ProductID == "" {
		return fmt.Errorf("entitlement product id is required")
	}
	return nil
}
