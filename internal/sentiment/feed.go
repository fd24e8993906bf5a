package sentiment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"tradeagent/internal/types"
)

const maxFeedBody = 2 << 20

// FeedConfig describes a CryptoPanic-compatible JSON news endpoint.
type FeedConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// FeedProvider reads `results[]{title, description, source.title, published_at}`.
type FeedProvider struct {
	cfg    FeedConfig
	client *http.Client
}

func NewFeedProvider(cfg FeedConfig) *FeedProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &FeedProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *FeedProvider) Fetch(ctx context.Context, asset string, limit int) ([]Article, error) {
	u, err := url.Parse(p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("news endpoint: %w", err)
	}
	q := u.Query()
	q.Set("currencies", strings.ToUpper(asset))
	q.Set("public", "true")
	if p.cfg.Token != "" {
		q.Set("auth_token", p.cfg.Token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindTransient, "news fetch", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, types.NewError(types.KindTransient, "news read", err)
	}
	if resp.StatusCode/100 != 2 {
		kind := types.KindTransient
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = types.KindAuth
		}
		return nil, types.NewError(kind, "news fetch", fmt.Errorf("status %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(body) {
		return nil, types.NewError(types.KindMalformed, "news decode", fmt.Errorf("body is not json"))
	}

	var out []Article
	gjson.GetBytes(body, "results").ForEach(func(_, item gjson.Result) bool {
		a := Article{
			Title:  strings.TrimSpace(item.Get("title").String()),
			Body:   StripHTML(item.Get("description").String()),
			Source: strings.TrimSpace(item.Get("source.title").String()),
		}
		if a.Source == "" {
			a.Source = strings.TrimSpace(item.Get("domain").String())
		}
		if ts, err := time.Parse(time.RFC3339, item.Get("published_at").String()); err == nil {
			a.PublishedAt = ts
		}
		if a.Title != "" || a.Body != "" {
			out = append(out, a)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// StripHTML returns the visible text of an HTML fragment with whitespace
// collapsed. Plain text passes through unchanged apart from whitespace.
func StripHTML(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
