package processors

import (
	"context"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
)

// IngestPrice stores a fresh quote of the coin and pushes it to the price channel.
func (p *Processors) IngestPrice(ctx context.Context, pl coinqw.IngestPricePayload) (any, error) {
	coin := coinOf(pl.CoinRef)
	q, err := p.market.Quote(ctx, coin)
	if err != nil {
		return nil, missing(wrap(coinqw.JobIngestPrice, coin.ID, err))
	}
	at := q.At
	if at.IsZero() {
		at = p.now()
	}
	pt := domain.PricePoint{
		CoinID:           coin.ID,
		Price:            q.Price,
		Volume24h:        q.Volume24h,
		MarketCap:        q.MarketCap,
		ChangePercent24h: q.ChangePercent24h,
		Timestamp:        at.UTC(),
	}
	if err := p.store.SavePriceData(ctx, pt); err != nil {
		return nil, wrap(coinqw.JobIngestPrice, coin.ID, err)
	}
	p.broadcast(PriceChannel(coin.ID), pt)
	return pt, nil
}
