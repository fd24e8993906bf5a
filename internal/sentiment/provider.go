// Package sentiment collects recent news per asset and condenses it into
// types.SentimentBundle values for the prompt.
package sentiment

import (
	"context"
	"time"
)

// Article is one raw news entry as returned by a provider.
type Article struct {
	Title       string
	Body        string
	Source      string
	PublishedAt time.Time
}

// Provider fetches recent news for one asset. An empty slice is a valid
// answer.
type Provider interface {
	Fetch(ctx context.Context, asset string, limit int) ([]Article, error)
}
