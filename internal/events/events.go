// Package events names the typed events delivered over the live channel.
// Payloads are JSON documents carrying (id, updatedAt) so consumers can
// de-duplicate: the same logical change may arrive once from the API path
// and once from the change-stream watcher.
package events

const (
	InvestmentCreated  = "investment:created"
	InvestmentUpdate   = "investment:update"
	TransactionCreated = "transaction:created"
	TransactionUpdate  = "transaction:update"
	NotificationNew    = "notification:new"
	PriceUpdate        = "price:update"
	PortfolioUpdate    = "portfolio:update"
	SystemAlert        = "system:alert"
)
