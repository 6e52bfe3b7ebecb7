package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"civicoin/services/stabilityd/oracle"
)

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey, asset string) (oracle.Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "nowpayments":
		return newNowPaymentsSource(r.client(), name, endpoint, apiKey), nil
	case "coingecko":
		return newCoinGeckoSource(r.client(), name, endpoint, asset), nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

const (
	defaultNowPaymentsEndpoint = "https://api.nowpayments.io/v1/exchange/rates"
	defaultCoinGeckoEndpoint   = "https://api.coingecko.com/api/v3/simple/price"
)

// nowPaymentsSource fetches price data from the NOWPayments quote endpoint.
type nowPaymentsSource struct {
	name     string
	client   *http.Client
	endpoint string
	apiKey   string
}

func newNowPaymentsSource(client *http.Client, name, endpoint, apiKey string) oracle.Source {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultNowPaymentsEndpoint
	}
	return &nowPaymentsSource{
		name:     label(name, "nowpayments"),
		client:   client,
		endpoint: ep,
		apiKey:   strings.TrimSpace(apiKey),
	}
}

func (s *nowPaymentsSource) Name() string { return s.name }

func (s *nowPaymentsSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	values := url.Values{}
	values.Set("from", strings.ToUpper(strings.TrimSpace(base)))
	values.Set("to", strings.ToUpper(strings.TrimSpace(quote)))
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return oracle.Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oracle.Quote{}, fmt.Errorf("nowpayments: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("nowpayments: decode: %w", err)
	}
	rate := strings.TrimSpace(payload.Rate)
	if rate == "" {
		return oracle.Quote{}, fmt.Errorf("nowpayments: empty rate")
	}
	rat, ok := new(big.Rat).SetString(rate)
	if !ok || rat.Sign() <= 0 {
		return oracle.Quote{}, fmt.Errorf("nowpayments: invalid rate %q", payload.Rate)
	}
	ts := time.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0).UTC()
	}
	return oracle.Quote{Rate: rat, Timestamp: ts}, nil
}

// coinGeckoSource adapts the public CoinGecko simple price API. The asset is
// the CoinGecko identifier for the tracked token.
type coinGeckoSource struct {
	name     string
	client   *http.Client
	endpoint string
	asset    string
}

func newCoinGeckoSource(client *http.Client, name, endpoint, asset string) oracle.Source {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	return &coinGeckoSource{
		name:     label(name, "coingecko"),
		client:   client,
		endpoint: ep,
		asset:    strings.ToLower(strings.TrimSpace(asset)),
	}
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	id := s.asset
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(base))
	}
	if id == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: unmapped asset")
	}
	vs := strings.ToLower(strings.TrimSpace(quote))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	values.Set("include_24hr_vol", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return oracle.Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oracle.Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: quote missing for %s", id)
	}
	raw, ok := entry[vs]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: empty price")
	}
	rat, ok := new(big.Rat).SetString(raw.String())
	if !ok || rat.Sign() <= 0 {
		return oracle.Quote{}, fmt.Errorf("coingecko: invalid rate %q", raw.String())
	}
	out := oracle.Quote{Rate: rat, Timestamp: time.Now().UTC()}
	if rawTs, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(rawTs.String(), 10, 64); err == nil && parsed > 0 {
			out.Timestamp = time.Unix(parsed, 0).UTC()
		}
	}
	if rawVol, ok := entry[vs+"_24h_vol"]; ok {
		if parsed, err := strconv.ParseFloat(rawVol.String(), 64); err == nil && parsed > 0 {
			out.Volume = parsed
		}
	}
	return out, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
