package walletfleet

import "context"

// PriceFeed is the capability contract consumed by strategies that
// need a common numeraire (§6 "Price feed capability"). Implementations
// choose their own caching policy; the core only depends on this
// interface, never on a concrete price source.
type PriceFeed interface {
	// Price returns the price of coingeckoId in the feed's common unit.
	Price(ctx context.Context, coingeckoID string) (float64, error)
}

// PriceFeedConfig names the tokens a chain wants the shared price feed
// to track.
type PriceFeedConfig struct {
	SupportedTokens []string // coingecko IDs
}

// PreparePriceFeedConfig derives the de-duplicated union of every
// chain's priceFeedConfig.supportedTokens, which Scheduled price feeds
// use to decide what to warm on their background refresh (§4.G).
func PreparePriceFeedConfig(perChain map[ChainName]PriceFeedConfig) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, cfg := range perChain {
		for _, token := range cfg.SupportedTokens {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			out = append(out, token)
		}
	}
	return out
}
