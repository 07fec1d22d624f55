package shopapi

import "time"

// Tyre is a catalogue entry returned by the tyre search endpoint.
type Tyre struct {
	ID       string  `json:"id"`
	Brand    string  `json:"brand"`
	Model    string  `json:"model"`
	Size     string  `json:"size"`
	Season   string  `json:"season"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

// Availability reports stock for one tyre at one or more warehouses.
type Availability struct {
	TyreID    string `json:"tyre_id"`
	InStock   bool   `json:"in_stock"`
	Quantity  int    `json:"quantity"`
	Warehouse string `json:"warehouse,omitempty"`
	// LeadTimeDays is the restock estimate when the tyre is out of stock.
	LeadTimeDays int `json:"lead_time_days,omitempty"`
}

// OrderItem is one line of an order draft.
type OrderItem struct {
	TyreID   string `json:"tyre_id"`
	Quantity int    `json:"quantity"`
}

// Order is a draft or confirmed order.
type Order struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Items     []OrderItem `json:"items"`
	Total     float64     `json:"total"`
	Currency  string      `json:"currency"`
	CreatedAt time.Time   `json:"created_at"`
}

// FittingStation is a physical fitting location.
type FittingStation struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`
}

// FittingSlot is a bookable appointment window at a station.
type FittingSlot struct {
	ID        string    `json:"id"`
	StationID string    `json:"station_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Booking is a fitting appointment.
type Booking struct {
	ID        string    `json:"id"`
	SlotID    string    `json:"slot_id"`
	StationID string    `json:"station_id"`
	OrderID   string    `json:"order_id,omitempty"`
	Status    string    `json:"status"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// PriceQuote is the fitting service price for a given vehicle/tyre combination.
type PriceQuote struct {
	Service  string  `json:"service"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

// KnowledgeArticle is a snippet from the shop's knowledge base.
type KnowledgeArticle struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// TyreSearchQuery carries the filters for SearchTyres.
type TyreSearchQuery struct {
	Size   string
	Season string
	Brand  string
	// MaxPrice of 0 means no cap.
	MaxPrice float64
}

// SlotQuery carries the filters for ListFittingSlots.
type SlotQuery struct {
	StationID string
	From      time.Time
	To        time.Time
}
