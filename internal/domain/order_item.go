package domain

// OrderItem represents a line item in an order. Price is the unit price
// snapshot taken at order creation, in minor units; it is never re-read from
// the live product catalog afterwards.
type OrderItem struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// Subtotal returns the total price for this line item in minor units.
func (i *OrderItem) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}
