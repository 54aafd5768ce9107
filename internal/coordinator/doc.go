// Package coordinator implements the order placement transaction.
//
// PlaceOrder runs as one transaction per attempt:
//
//  1. reject malformed requests (no transaction opened)
//  2. lock the cart's items in ascending id order and read price and stock
//  3. validate and price the cart from the locked rows
//  4. insert the order (status pending) and its lines
//  5. decrement stock with a guarded update that can never go negative
//  6. commit
//
// Any failure from step 2 on rolls the whole attempt back. Lock timeouts,
// deadlocks, serialization failures and dropped connections are retried from
// step 2, up to RetryConfig.MaxAttempts; everything else is returned as is.
//
// Order events are published after commit and never affect the outcome.
package coordinator
