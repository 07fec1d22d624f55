package shopapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SearchTyres queries the catalogue. An empty result is a valid answer, not
// an error.
func (c *Client) SearchTyres(ctx context.Context, q TyreSearchQuery) ([]Tyre, error) {
	params := url.Values{}
	if q.Size != "" {
		params.Set("size", q.Size)
	}
	if q.Season != "" {
		params.Set("season", q.Season)
	}
	if q.Brand != "" {
		params.Set("brand", q.Brand)
	}
	if q.MaxPrice > 0 {
		params.Set("max_price", strconv.FormatFloat(q.MaxPrice, 'f', 2, 64))
	}

	var out struct {
		Tyres []Tyre `json:"tyres"`
	}
	if err := c.call(ctx, "GET", "/tyres/search", params, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Tyres, nil
}

// CheckAvailability looks up stock for one tyre. A 404 means the tyre is
// unknown or out of catalogue; it is returned as a not-in-stock Availability
// rather than an error.
func (c *Client) CheckAvailability(ctx context.Context, tyreID string) (*Availability, error) {
	if tyreID == "" {
		return nil, errors.New("shopapi: tyreID must not be empty")
	}
	var out Availability
	err := c.call(ctx, "GET", "/tyres/"+url.PathEscape(tyreID)+"/availability", nil, nil, "", &out)
	if errors.Is(err, ErrNotFound) {
		return &Availability{TyreID: tyreID, InStock: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DraftOrder creates an order draft. idempotencyKey must be stable across
// retries of the same logical order.
func (c *Client) DraftOrder(ctx context.Context, items []OrderItem, idempotencyKey string) (*Order, error) {
	if len(items) == 0 {
		return nil, errors.New("shopapi: order must contain at least one item")
	}
	if idempotencyKey == "" {
		return nil, errors.New("shopapi: idempotencyKey must not be empty")
	}
	body := struct {
		Items []OrderItem `json:"items"`
	}{Items: items}

	var out Order
	if err := c.call(ctx, "POST", "/orders", nil, body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmOrder confirms a drafted order.
func (c *Client) ConfirmOrder(ctx context.Context, orderID, idempotencyKey string) (*Order, error) {
	if orderID == "" {
		return nil, errors.New("shopapi: orderID must not be empty")
	}
	if idempotencyKey == "" {
		return nil, errors.New("shopapi: idempotencyKey must not be empty")
	}
	var out Order
	path := "/orders/" + url.PathEscape(orderID) + "/confirm"
	if err := c.call(ctx, "POST", path, nil, nil, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFittingStations returns all fitting locations, optionally filtered by
// city.
func (c *Client) ListFittingStations(ctx context.Context, city string) ([]FittingStation, error) {
	params := url.Values{}
	if city != "" {
		params.Set("city", city)
	}
	var out struct {
		Stations []FittingStation `json:"stations"`
	}
	if err := c.call(ctx, "GET", "/fitting/stations", params, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Stations, nil
}

// ListFittingSlots returns bookable slots for a station within a window.
func (c *Client) ListFittingSlots(ctx context.Context, q SlotQuery) ([]FittingSlot, error) {
	if q.StationID == "" {
		return nil, errors.New("shopapi: stationID must not be empty")
	}
	params := url.Values{}
	params.Set("station_id", q.StationID)
	if !q.From.IsZero() {
		params.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.Format(time.RFC3339))
	}
	var out struct {
		Slots []FittingSlot `json:"slots"`
	}
	if err := c.call(ctx, "GET", "/fitting/slots", params, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

// BookFitting books a fitting slot. idempotencyKey must be stable across
// retries of the same logical booking.
func (c *Client) BookFitting(ctx context.Context, slotID, orderID, idempotencyKey string) (*Booking, error) {
	if slotID == "" {
		return nil, errors.New("shopapi: slotID must not be empty")
	}
	if idempotencyKey == "" {
		return nil, errors.New("shopapi: idempotencyKey must not be empty")
	}
	body := struct {
		SlotID  string `json:"slot_id"`
		OrderID string `json:"order_id,omitempty"`
	}{SlotID: slotID, OrderID: orderID}

	var out Booking
	if err := c.call(ctx, "POST", "/fitting/bookings", nil, body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelFitting cancels an existing booking.
func (c *Client) CancelFitting(ctx context.Context, bookingID string) (*Booking, error) {
	if bookingID == "" {
		return nil, errors.New("shopapi: bookingID must not be empty")
	}
	var out Booking
	path := "/fitting/bookings/" + url.PathEscape(bookingID) + "/cancel"
	if err := c.call(ctx, "POST", path, nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RescheduleFitting moves a booking to a new slot.
func (c *Client) RescheduleFitting(ctx context.Context, bookingID, newSlotID string) (*Booking, error) {
	if bookingID == "" || newSlotID == "" {
		return nil, errors.New("shopapi: bookingID and newSlotID must not be empty")
	}
	body := struct {
		SlotID string `json:"slot_id"`
	}{SlotID: newSlotID}

	var out Booking
	path := "/fitting/bookings/" + url.PathEscape(bookingID) + "/reschedule"
	if err := c.call(ctx, "POST", path, nil, body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FittingPrice quotes the fitting service price for a tyre count and vehicle
// class.
func (c *Client) FittingPrice(ctx context.Context, tyreCount int, vehicleClass string) (*PriceQuote, error) {
	if tyreCount <= 0 {
		return nil, fmt.Errorf("shopapi: tyreCount must be positive, got %d", tyreCount)
	}
	params := url.Values{}
	params.Set("tyre_count", strconv.Itoa(tyreCount))
	if vehicleClass != "" {
		params.Set("vehicle_class", vehicleClass)
	}
	var out PriceQuote
	if err := c.call(ctx, "GET", "/fitting/price", params, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchKnowledge queries the shop knowledge base.
func (c *Client) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeArticle, error) {
	if query == "" {
		return nil, errors.New("shopapi: query must not be empty")
	}
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Articles []KnowledgeArticle `json:"articles"`
	}
	if err := c.call(ctx, "GET", "/knowledge/search", params, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Articles, nil
}
