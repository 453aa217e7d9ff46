package realtime

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sgrodzki/InvestSync/internal/events"
)

// Quote is one market-data tick.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	ChangePct decimal.Decimal `json:"changePct"`
	AsOf      time.Time       `json:"asOf"`
}

// PriceSource is the market-data collaborator. Provider polling lives
// elsewhere; this package only fans quotes out.
type PriceSource interface {
	Quotes(ctx context.Context) ([]Quote, error)
}

// TopicForSymbol names the broadcast topic sessions subscribe to for ticks
// of a single symbol.
func TopicForSymbol(symbol string) string {
	return "prices:" + symbol
}

// PriceBroadcaster pushes quotes to per-symbol topics on a schedule driven
// by the caller.
type PriceBroadcaster struct {
	source PriceSource
	hub    *Hub
	log    *logrus.Logger
}

func NewPriceBroadcaster(source PriceSource, hub *Hub, log *logrus.Logger) *PriceBroadcaster {
	return &PriceBroadcaster{source: source, hub: hub, log: log}
}

func (b *PriceBroadcaster) Broadcast(ctx context.Context) {
	quotes, err := b.source.Quotes(ctx)
	if err != nil {
		b.log.WithError(err).Warn("could not fetch quotes")
		return
	}
	for _, quote := range quotes {
		b.hub.BroadcastTopic(TopicForSymbol(quote.Symbol), events.PriceUpdate, quote)
	}
}
