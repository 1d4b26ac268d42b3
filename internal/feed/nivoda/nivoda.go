// Package nivoda implements the feed adapter contract against the Nivoda
// GraphQL API: token-authenticated count and offset/limit search ordered by
// createdAt with the stone id as the unique tiebreaker, which is what keeps
// offset pagination stable across repeated calls.
package nivoda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/ratelimit"
)

const defaultTimeoutMS = 30_000

func init() {
	feed.RegisterKind("nivoda", func(cfg config.FeedConfig, limiter *ratelimit.Limiter) (feed.Adapter, error) {
		return New(cfg, limiter)
	})
}

// Adapter is the Nivoda supplier client. All outbound calls go through the
// endpoint rate limiter; the session token is cached and refreshed before
// expiry.
type Adapter struct {
	profile  feed.Profile
	limiter  *ratelimit.Limiter
	client   *http.Client
	url      string
	username string
	password string
	log      zerolog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// New builds the adapter from its feed config. Credentials and endpoint may
// come from the feeds file or from NIVODA_* environment variables.
func New(cfg config.FeedConfig, limiter *ratelimit.Limiter) (*Adapter, error) {
	url := fallback(cfg.APIURL, os.Getenv("NIVODA_API_URL"))
	username := fallback(cfg.APIUsername, os.Getenv("NIVODA_API_USERNAME"))
	password := fallback(cfg.APIPassword, os.Getenv("NIVODA_API_PASSWORD"))
	if url == "" {
		return nil, errors.New("nivoda: api_url not configured")
	}
	if username == "" || password == "" {
		return nil, errors.New("nivoda: credentials not configured")
	}

	timeoutMS := cfg.ProxyTimeoutMS
	if timeoutMS <= 0 {
		if v, err := strconv.Atoi(os.Getenv("NIVODA_PROXY_TIMEOUT_MS")); err == nil && v > 0 {
			timeoutMS = v
		} else {
			timeoutMS = defaultTimeoutMS
		}
	}

	return &Adapter{
		profile: feed.Profile{
			FeedID:           cfg.ID,
			RawTable:         cfg.RawTable,
			WatermarkBlob:    cfg.WatermarkBlob,
			MaxPageSize:      cfg.MaxPageSize,
			WorkerPageSize:   cfg.WorkerPageSize,
			PriceGranularity: cfg.PriceGranularity,
			MarkupPercent:    cfg.MarkupPercent,
			Heatmap:          cfg.Heatmap,
		},
		limiter:  limiter,
		client:   &http.Client{Timeout: time.Duration(timeoutMS) * time.Millisecond},
		url:      url,
		username: username,
		password: password,
		log:      logging.Component("nivoda").With().Str("feed", cfg.ID).Logger(),
	}, nil
}

func fallback(v, alt string) string {
	if v != "" {
		return v
	}
	return alt
}

func (a *Adapter) Profile() feed.Profile { return a.profile }

// Init authenticates eagerly so a scheduler run fails fast on bad
// credentials instead of inside the scan.
func (a *Adapter) Init(ctx context.Context) error {
	_, err := a.authenticate(ctx)
	return err
}

func (a *Adapter) Close() error { return nil }

const countQuery = `query DiamondCount($query: DiamondQuery!) {
  diamonds_by_query_count(query: $query)
}`

func (a *Adapter) Count(ctx context.Context, q feed.Query) (int64, error) {
	var out struct {
		Count int64 `json:"diamonds_by_query_count"`
	}
	if err := a.do(ctx, "count", countQuery, map[string]any{"query": gqlQuery(q)}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// The upstream search resolves createdAt ties by stone id, so a fixed
// (query, offset, limit) always yields the same page while inventory is
// stable.
const searchQuery = `query DiamondPage($query: DiamondQuery!, $offset: Int!, $limit: Int!) {
  diamonds_by_query(query: $query, offset: $offset, limit: $limit, order: {type: createdAt, direction: ASC}) {
    items {
      id
      price
      availability
      created_at
      updated_at
      diamond {
        id
        certificate {
          shape
          carats
          color
          clarity
          cut
          lab
          cert_number
        }
      }
    }
    total_count
  }
}`

func (a *Adapter) Search(ctx context.Context, q feed.Query, offset int64, limit int) (*feed.SearchResult, error) {
	if limit <= 0 || limit > a.profile.MaxPageSize {
		limit = a.profile.MaxPageSize
	}
	vars := map[string]any{
		"query":  gqlQuery(q),
		"offset": offset,
		"limit":  limit,
	}
	var out struct {
		Page struct {
			Items      []json.RawMessage `json:"items"`
			TotalCount *int64            `json:"total_count"`
		} `json:"diamonds_by_query"`
	}
	if err := a.do(ctx, "search", searchQuery, vars, &out); err != nil {
		return nil, err
	}

	total := int64(-1)
	if out.Page.TotalCount != nil {
		total = *out.Page.TotalCount
	}
	return &feed.SearchResult{Items: out.Page.Items, TotalCount: total}, nil
}

// item is the supplier payload shape. The top-level id is the offer; the
// nested diamond id is the stable stone identity the pipeline keys on.
type item struct {
	ID           string     `json:"id"`
	Price        float64    `json:"price"`
	Availability string     `json:"availability"`
	CreatedAt    *time.Time `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	Diamond      struct {
		ID          string      `json:"id"`
		Certificate certificate `json:"certificate"`
	} `json:"diamond"`
}

type certificate struct {
	Shape      string  `json:"shape"`
	Carats     float64 `json:"carats"`
	Color      string  `json:"color"`
	Clarity    string  `json:"clarity"`
	Cut        string  `json:"cut"`
	Lab        string  `json:"lab"`
	CertNumber string  `json:"cert_number"`
}

func (a *Adapter) Identity(raw json.RawMessage) (*feed.Identity, error) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("nivoda identity: %w", err)
	}
	if it.Diamond.ID == "" {
		return nil, fmt.Errorf("nivoda identity: offer %q has no diamond id", it.ID)
	}
	return &feed.Identity{
		SupplierStoneID: it.Diamond.ID,
		OfferID:         it.ID,
		SourceUpdatedAt: it.UpdatedAt,
		Payload:         raw,
	}, nil
}

func (a *Adapter) Normalize(raw json.RawMessage) (*models.Diamond, error) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("nivoda normalize: %w", err)
	}
	if it.Diamond.ID == "" {
		return nil, fmt.Errorf("nivoda normalize: offer %q has no diamond id", it.ID)
	}
	cert := it.Diamond.Certificate
	return &models.Diamond{
		Feed:              a.profile.FeedID,
		SupplierStoneID:   it.Diamond.ID,
		OfferID:           it.ID,
		Shape:             strings.ToLower(cert.Shape),
		Carats:            cert.Carats,
		Color:             strings.ToUpper(cert.Color),
		Clarity:           strings.ToUpper(cert.Clarity),
		Cut:               cutGrade(cert.Cut),
		Lab:               strings.ToUpper(cert.Lab),
		CertificateNumber: cert.CertNumber,
		Status:            status(it.Availability),
		FeedPrice:         it.Price,
		SourceUpdatedAt:   it.UpdatedAt,
	}, nil
}

func (a *Adapter) BaseQuery(updatedFrom, updatedTo time.Time) feed.Query {
	return feed.Query{UpdatedFrom: updatedFrom, UpdatedTo: updatedTo}
}

// gqlQuery translates the shared query into the supplier's filter object.
// Price bounds are inclusive on both ends, matching the upstream API.
func gqlQuery(q feed.Query) map[string]any {
	m := map[string]any{}
	if q.MinPrice != nil {
		m["price_from"] = *q.MinPrice
	}
	if q.MaxPrice != nil {
		m["price_to"] = *q.MaxPrice
	}
	if !q.UpdatedFrom.IsZero() {
		m["updated_from"] = q.UpdatedFrom.UTC().Format(time.RFC3339)
	}
	if !q.UpdatedTo.IsZero() {
		m["updated_to"] = q.UpdatedTo.UTC().Format(time.RFC3339)
	}
	return m
}

func status(availability string) string {
	switch strings.ToUpper(availability) {
	case "", "AVAILABLE":
		return "available"
	case "HOLD", "ON_HOLD":
		return "on_hold"
	case "SOLD":
		return "sold"
	default:
		return strings.ToLower(availability)
	}
}

// cutGrade expands the supplier's short cut codes.
func cutGrade(cut string) string {
	switch strings.ToUpper(cut) {
	case "ID", "IDEAL":
		return "ideal"
	case "EX", "EXCELLENT":
		return "excellent"
	case "VG", "VERY GOOD":
		return "very good"
	case "GD", "GOOD":
		return "good"
	case "FR", "FAIR":
		return "fair"
	default:
		return strings.ToLower(cut)
	}
}
