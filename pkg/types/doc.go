// Package types provides shared type definitions for the bookstore order engine.
//
// This package defines domain types used across the coordinator, the query
// service and the transports: currency amounts, order statuses, cart lines,
// order views and the error taxonomy.
//
// # Money
//
// Money holds integer minor units (cents). Decimal strings are parsed and
// formatted with shopspring/decimal at the boundaries only:
//
//	price, err := types.ParseMoney("10.00") // Money(1000)
//	line, ok := price.Times(3)             // Money(3000), true
//	fmt.Println(line)                      // "30.00"
//
// # Errors
//
// Every failure surfaced by the engine is one of:
//
//	*ValidationError         errors.Is(err, ErrValidation)
//	*NotFoundError           errors.Is(err, ErrNotFound)
//	*InsufficientStockError  errors.Is(err, ErrInsufficient)
//	*InvalidStatusError      errors.Is(err, ErrInvalidStatus)
//	*TransientStoreError     errors.Is(err, ErrTransient)
//
// Only TransientStoreError is retried, and only inside the coordinator.
package types
