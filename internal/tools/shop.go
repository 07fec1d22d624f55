package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/voxline/internal/shopapi"
	"github.com/voxline-ai/voxline/pkg/types"
)

// storeFailure maps a backing-store error to a model-facing failure message.
// The model relays these to the caller, so they are phrased for speech.
func storeFailure(err error) string {
	switch {
	case errors.Is(err, shopapi.ErrUnavailable):
		return "the shop system is temporarily unavailable, please try again in a moment"
	case errors.Is(err, shopapi.ErrNotFound):
		return "the requested item could not be found"
	case errors.Is(err, shopapi.ErrUnauthorized):
		return "the shop system rejected the request"
	default:
		return fmt.Sprintf("the shop system returned an error: %v", err)
	}
}

// ShopTools returns the full catalogue of shop tools bound to client,
// including the terminal transfer_to_operator tool.
func ShopTools(client *shopapi.Client) []Tool {
	return []Tool{
		searchTyresTool(client),
		checkAvailabilityTool(client),
		draftOrderTool(client),
		confirmOrderTool(client),
		listFittingStationsTool(client),
		listFittingSlotsTool(client),
		bookFittingTool(client),
		cancelFittingTool(client),
		rescheduleFittingTool(client),
		fittingPriceTool(client),
		searchKnowledgeTool(client),
		transferToOperatorTool(),
	}
}

func searchTyresTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "search_tyres",
			Description: "Search the tyre catalogue by size, season, brand, or maximum price. Returns matching tyres with their ID, brand, model, size, and price. Always search before drafting an order.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"size": map[string]any{
						"type":        "string",
						"description": "Tyre size in standard notation (e.g. 205/55R16).",
					},
					"season": map[string]any{
						"type":        "string",
						"description": "Season filter: summer, winter, or all_season. Omit for all.",
					},
					"brand": map[string]any{
						"type":        "string",
						"description": "Brand name filter (e.g. Continental). Omit for all brands.",
					},
					"max_price": map[string]any{
						"type":        "number",
						"description": "Maximum price per tyre. Omit for no price limit.",
					},
				},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Size     string  `json:"size"`
				Season   string  `json:"season"`
				Brand    string  `json:"brand"`
				MaxPrice float64 `json:"max_price"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for search_tyres are not valid JSON")
			}
			tyres, err := client.SearchTyres(ctx, shopapi.TyreSearchQuery{
				Size:     in.Size,
				Season:   in.Season,
				Brand:    in.Brand,
				MaxPrice: in.MaxPrice,
			})
			if err != nil {
				return fail(storeFailure(err))
			}
			if len(tyres) == 0 {
				return Result{OK: true, Kind: "tyres", Data: []shopapi.Tyre{},
					Message: "no tyres matched the search"}.Encode(), nil
			}
			return ok("tyres", tyres)
		},
	}
}

func checkAvailabilityTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "check_availability",
			Description: "Check warehouse stock for a specific tyre by its catalogue ID. Returns in-stock status, quantity, and lead time. An unknown tyre ID is reported as not in stock.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tyre_id": map[string]any{
						"type":        "string",
						"description": "The catalogue ID of the tyre, from search_tyres.",
					},
				},
				"required": []string{"tyre_id"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				TyreID string `json:"tyre_id"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for check_availability are not valid JSON")
			}
			av, err := client.CheckAvailability(ctx, in.TyreID)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("availability", av)
		},
	}
}

func draftOrderTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "draft_order",
			Description: "Create a draft order for one or more tyres. The order is not final until confirmed with confirm_order. Always read the total back to the caller and get their explicit confirmation before confirming.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"items": map[string]any{
						"type":        "array",
						"description": "Order line items.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"tyre_id": map[string]any{
									"type":        "string",
									"description": "Catalogue ID of the tyre.",
								},
								"quantity": map[string]any{
									"type":        "integer",
									"description": "Number of tyres, usually 2 or 4.",
								},
							},
							"required": []string{"tyre_id", "quantity"},
						},
					},
				},
				"required": []string{"items"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Items []shopapi.OrderItem `json:"items"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for draft_order are not valid JSON")
			}
			if len(in.Items) == 0 {
				return fail("draft_order needs at least one item")
			}
			order, err := client.DraftOrder(ctx, in.Items, uuid.NewString())
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("order", order)
		},
	}
}

func confirmOrderTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "confirm_order",
			Description: "Confirm a previously drafted order, making it final. Only call after the caller has explicitly agreed to the order total.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{
						"type":        "string",
						"description": "The ID of the drafted order to confirm.",
					},
				},
				"required": []string{"order_id"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				OrderID string `json:"order_id"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for confirm_order are not valid JSON")
			}
			order, err := client.ConfirmOrder(ctx, in.OrderID, uuid.NewString())
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("order", order)
		},
	}
}

func listFittingStationsTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "list_fitting_stations",
			Description: "List tyre fitting stations, optionally filtered by city.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{
						"type":        "string",
						"description": "City name to filter by. Omit for all stations.",
					},
				},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for list_fitting_stations are not valid JSON")
			}
			stations, err := client.ListFittingStations(ctx, in.City)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("stations", stations)
		},
	}
}

func listFittingSlotsTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "list_fitting_slots",
			Description: "List bookable fitting time slots at a station, optionally within a time window.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"station_id": map[string]any{
						"type":        "string",
						"description": "The fitting station ID, from list_fitting_stations.",
					},
					"from": map[string]any{
						"type":        "string",
						"description": "Window start as RFC 3339 timestamp. Omit for now.",
					},
					"to": map[string]any{
						"type":        "string",
						"description": "Window end as RFC 3339 timestamp. Omit for open-ended.",
					},
				},
				"required": []string{"station_id"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				StationID string `json:"station_id"`
				From      string `json:"from"`
				To        string `json:"to"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for list_fitting_slots are not valid JSON")
			}
			q := shopapi.SlotQuery{StationID: in.StationID}
			if in.From != "" {
				t, err := time.Parse(time.RFC3339, in.From)
				if err != nil {
					return fail("the 'from' timestamp is not valid RFC 3339")
				}
				q.From = t
			}
			if in.To != "" {
				t, err := time.Parse(time.RFC3339, in.To)
				if err != nil {
					return fail("the 'to' timestamp is not valid RFC 3339")
				}
				q.To = t
			}
			slots, err := client.ListFittingSlots(ctx, q)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("slots", slots)
		},
	}
}

func bookFittingTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "book_fitting",
			Description: "Book a fitting appointment in a specific slot, optionally tied to an order. Get the caller's agreement on the time before booking.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"slot_id": map[string]any{
						"type":        "string",
						"description": "The slot ID to book, from list_fitting_slots.",
					},
					"order_id": map[string]any{
						"type":        "string",
						"description": "Order to attach the fitting to. Omit for fitting-only bookings.",
					},
				},
				"required": []string{"slot_id"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				SlotID  string `json:"slot_id"`
				OrderID string `json:"order_id"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for book_fitting are not valid JSON")
			}
			booking, err := client.BookFitting(ctx, in.SlotID, in.OrderID, uuid.NewString())
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("booking", booking)
		},
	}
}

func cancelFittingTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "cancel_fitting",
			Description: "Cancel an existing fitting appointment by its booking ID.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_id": map[string]any{
						"type":        "string",
						"description": "The booking ID to cancel.",
					},
				},
				"required": []string{"booking_id"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				BookingID string `json:"booking_id"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for cancel_fitting are not valid JSON")
			}
			booking, err := client.CancelFitting(ctx, in.BookingID)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("booking", booking)
		},
	}
}

func rescheduleFittingTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "reschedule_fitting",
			Description: "Move an existing fitting appointment to a different slot.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_id": map[string]any{
						"type":        "string",
						"description": "The booking ID to move.",
					},
					"new_slot_id": map[string]any{
						"type":        "string",
						"description": "The new slot ID, from list_fitting_slots.",
					},
				},
				"required": []string{"booking_id", "new_slot_id"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				BookingID string `json:"booking_id"`
				NewSlotID string `json:"new_slot_id"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for reschedule_fitting are not valid JSON")
			}
			booking, err := client.RescheduleFitting(ctx, in.BookingID, in.NewSlotID)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("booking", booking)
		},
	}
}

func fittingPriceTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "fitting_price",
			Description: "Quote the price of the fitting service for a number of tyres and an optional vehicle class.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tyre_count": map[string]any{
						"type":        "integer",
						"description": "Number of tyres to fit.",
					},
					"vehicle_class": map[string]any{
						"type":        "string",
						"description": "Vehicle class (e.g. passenger, suv, van). Omit for standard.",
					},
				},
				"required": []string{"tyre_count"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				TyreCount    int    `json:"tyre_count"`
				VehicleClass string `json:"vehicle_class"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for fitting_price are not valid JSON")
			}
			if in.TyreCount <= 0 {
				return fail("tyre_count must be a positive number")
			}
			quote, err := client.FittingPrice(ctx, in.TyreCount, in.VehicleClass)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("price", quote)
		},
	}
}

func searchKnowledgeTool(client *shopapi.Client) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "search_knowledge",
			Description: "Search the shop knowledge base for answers about opening hours, storage, warranties, and tyre advice. Use for questions that no other tool covers.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Keyword or phrase to search for.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of articles to return. Defaults to 3.",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return fail("arguments for search_knowledge are not valid JSON")
			}
			if in.Limit <= 0 {
				in.Limit = 3
			}
			articles, err := client.SearchKnowledge(ctx, in.Query, in.Limit)
			if err != nil {
				return fail(storeFailure(err))
			}
			return ok("articles", articles)
		},
	}
}

func transferToOperatorTool() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "transfer_to_operator",
			Description: "Hand the call to a human operator. Use when the caller asks for a human, when you cannot help after reasonable attempts, or when the shop system keeps failing. This ends your part of the conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for the transfer, for the operator's context.",
					},
				},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Reason string `json:"reason"`
			}
			// Reason is advisory; malformed args still transfer.
			_ = json.Unmarshal([]byte(args), &in)
			if in.Reason != "" {
				return "", fmt.Errorf("%w: %s", ErrOperatorTransfer, in.Reason)
			}
			return "", ErrOperatorTransfer
		},
	}
}
