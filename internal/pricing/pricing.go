// Package pricing validates a cart against a catalog snapshot and computes
// the order total from authoritative unit prices.
//
// Every function here is pure: the same request and snapshot always produce
// the same quote or the same error.
package pricing

import (
	"strings"

	"github.com/dshills/bookstore-orders/internal/catalog"
	"github.com/dshills/bookstore-orders/pkg/types"
)

// PricedLine is one validated cart line with its frozen unit price
type PricedLine struct {
	ItemID    int64
	Quantity  int
	UnitPrice types.Money
	Subtotal  types.Money
}

// Quote is the validated, priced form of a cart
type Quote struct {
	Lines []PricedLine
	Total types.Money
}

// CheckRequest performs the checks that need no catalog data: caller, shipping
// address, empty cart, quantities and duplicate items.
func CheckRequest(req types.PlaceOrderRequest) error {
	if strings.TrimSpace(req.CallerID) == "" {
		return &types.ValidationError{Field: "caller_id", Err: types.ErrMissingCaller}
	}
	if strings.TrimSpace(req.ShippingAddress) == "" {
		return &types.ValidationError{Field: "shipping_address", Err: types.ErrEmptyShippingAddress}
	}
	return CheckCart(req.Cart)
}

// CheckCart rejects an empty cart, non-positive quantities and repeated items
func CheckCart(cart []types.CartLine) error {
	if len(cart) == 0 {
		return &types.ValidationError{Field: "items", Err: types.ErrEmptyCart}
	}

	seen := make(map[int64]struct{}, len(cart))
	for _, line := range cart {
		if line.Quantity <= 0 {
			return &types.ValidationError{Field: "quantity", ItemID: line.ItemID, Err: types.ErrInvalidQuantity}
		}
		if _, dup := seen[line.ItemID]; dup {
			return &types.ValidationError{Field: "item_id", ItemID: line.ItemID, Err: types.ErrDuplicateItem}
		}
		seen[line.ItemID] = struct{}{}
	}
	return nil
}

// Price validates every cart line against snap and returns the quote. Lines
// keep the cart's order. The first failing line, in cart order, determines
// the error.
func Price(cart []types.CartLine, snap *catalog.Snapshot) (*Quote, error) {
	if err := CheckCart(cart); err != nil {
		return nil, err
	}

	quote := &Quote{Lines: make([]PricedLine, 0, len(cart))}
	for _, line := range cart {
		entry, ok := snap.Lookup(line.ItemID)
		if !ok {
			return nil, &types.NotFoundError{Kind: "item", ID: line.ItemID}
		}
		if line.Quantity > entry.Available {
			return nil, &types.InsufficientStockError{
				ItemID:    line.ItemID,
				Requested: line.Quantity,
				Available: entry.Available,
			}
		}

		subtotal, ok := entry.UnitPrice.Times(line.Quantity)
		if !ok {
			return nil, &types.ValidationError{Field: "quantity", ItemID: line.ItemID, Err: types.ErrTotalOverflow}
		}
		total, ok := quote.Total.Add(subtotal)
		if !ok {
			return nil, &types.ValidationError{Field: "items", Err: types.ErrTotalOverflow}
		}

		quote.Total = total
		quote.Lines = append(quote.Lines, PricedLine{
			ItemID:    line.ItemID,
			Quantity:  line.Quantity,
			UnitPrice: entry.UnitPrice,
			Subtotal:  subtotal,
		})
	}
	return quote, nil
}
