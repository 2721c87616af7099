// Package gateway adapts the payment processor to the billing domain.
//
// Gateway exposes authorize, purchase, unstore, card data and refund. Card
// declines come back as FAILURE results so billing can branch on them;
// only transport problems are returned as errors. StripeGateway holds its
// own API client (no package-level key) and caches card metadata in an
// expiring LRU keyed by customer.
package gateway
