package validation

// Item represents a single order line item as entered at the terminal.
type Item struct {
	ID    string  `json:"id" validate:"required"`         // menu item id
	Price float64 `json:"price" validate:"required,gt=0"` // price per unit
	Qty   int     `json:"qty" validate:"required,min=1"`  // must be >= 1
}

// OrderRequest is the payload for POST /offline/orders.
type OrderRequest struct {
	Items        []Item                 `json:"items" validate:"required,min=1,dive"` // at least one item
	Total        float64                `json:"total" validate:"required,gt=0"`       // total amount the terminal claims
	CustomerInfo map[string]interface{} `json:"customerInfo,omitempty"`               // optional free-form customer data
}

// ResolveRequest is the payload for POST /conflicts/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=keep_local keep_server merge"`
}

// MenuRequest is the payload for PUT /menu.
type MenuRequest struct {
	Items []MenuEntry `json:"items" validate:"required,min=1,dive"`
}

// MenuEntry is one cached menu item.
type MenuEntry struct {
	ID       string                 `json:"id" validate:"required"`
	Category string                 `json:"category,omitempty"`
	Payload  map[string]interface{} `json:"payload" validate:"required"`
}
