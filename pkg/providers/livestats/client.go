// Package livestats is the live-scoreboard source: in-progress league
// games with per-player economy, polled from the game coordinator's web
// API.
package livestats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velkara/matchsight/pkg/quota"
	"github.com/velkara/matchsight/pkg/telemetry"
)

const (
	// DefaultBaseURL is the game coordinator web API.
	DefaultBaseURL = "https://api.steampowered.com"

	// Source names this client against the quota governor.
	Source = "livestats"

	defaultRateLimit = 1.0
	defaultBurst     = 1

	retryBackoff = 2 * time.Second

	// Placeholder-name games are usually lobby noise; only a real
	// audience redeems them.
	minSpectatorsForUnnamed = 500

	memoryCacheTTL = 5 * time.Second
	redisCacheTTL  = 15 * time.Second
	redisCacheKey  = "livestats:league_games"

	// xpPerLevel approximates experience from levels when the
	// scoreboard omits xp rates.
	xpPerLevel = 250
)

// PlayerStats is one player's live scoreboard line.
type PlayerStats struct {
	Side     telemetry.Side
	NetWorth float64
	Gold     float64
	Level    int
	XPPerMin float64
}

// LiveMatch is one in-progress league game.
type LiveMatch struct {
	MatchID      int64
	LeagueID     int64
	RadiantName  string
	DireName     string
	Spectators   int
	Duration     float64
	RadiantScore int
	DireScore    int
	Players      []PlayerStats
}

// FeatureInput converts the scoreboard into a telemetry tick for the
// feature extractor. Experience is estimated from xp rates when
// published, from levels otherwise.
func (m LiveMatch) FeatureInput() telemetry.RawTick {
	tick := telemetry.RawTick{
		MatchID:      fmt.Sprintf("%d", m.MatchID),
		GameTime:     m.Duration,
		RadiantScore: float64(m.RadiantScore),
		DireScore:    float64(m.DireScore),
		ReceivedAt:   time.Now().UTC(),
	}
	minutes := m.Duration / 60
	for _, p := range m.Players {
		xp := p.XPPerMin * minutes
		if xp == 0 {
			xp = float64(p.Level) * xpPerLevel
		}
		if p.Side == telemetry.SideRadiant {
			tick.RadiantGold += p.NetWorth
			tick.RadiantXP += xp
		} else {
			tick.DireGold += p.NetWorth
			tick.DireXP += xp
		}
		tick.Players = append(tick.Players, telemetry.PlayerSnapshot{
			Side:     p.Side,
			Gold:     p.Gold,
			NetWorth: p.NetWorth,
		})
	}
	return tick
}

// QuotaGate is the budget check this client consults before every call.
type QuotaGate interface {
	CanCall(source string) bool
	RecordCall(source string)
}

// Recorder counts upstream calls and failures for metrics.
type Recorder interface {
	RecordProviderCall(source string)
	RecordProviderError(source string)
}

// Client is the live-scoreboard client. Responses are cached in memory
// for a few seconds and optionally in Redis so multiple processes share
// one upstream poll.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	gate       QuotaGate
	recorder   Recorder
	rdb        *redis.Client
	logger     *zap.Logger

	mu         sync.Mutex
	memCache   []byte
	memCacheAt time.Time
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRedis attaches a shared raw-response cache.
func WithRedis(rdb *redis.Client) ClientOption {
	return func(c *Client) {
		c.rdb = rdb
	}
}

// WithMetrics attaches a call recorder.
func WithMetrics(rec Recorder) ClientOption {
	return func(c *Client) {
		c.recorder = rec
	}
}

// NewClient creates a live-scoreboard client. gate and redis may be
// nil.
func NewClient(gate QuotaGate, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		gate:    gate,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wire format of the league-games endpoint.
type wireResponse struct {
	Result struct {
		Games []wireGame `json:"games"`
	} `json:"result"`
}

type wireGame struct {
	MatchID     int64 `json:"match_id"`
	LeagueID    int64 `json:"league_id"`
	Spectators  int   `json:"spectators"`
	RadiantTeam struct {
		TeamName string `json:"team_name"`
	} `json:"radiant_team"`
	DireTeam struct {
		TeamName string `json:"team_name"`
	} `json:"dire_team"`
	Scoreboard struct {
		Duration float64      `json:"duration"`
		Radiant  wireSideData `json:"radiant"`
		Dire     wireSideData `json:"dire"`
	} `json:"scoreboard"`
}

type wireSideData struct {
	Score   int `json:"score"`
	Players []struct {
		NetWorth float64 `json:"net_worth"`
		Gold     float64 `json:"gold"`
		Level    int     `json:"level"`
		XPPerMin float64 `json:"xp_per_min"`
	} `json:"players"`
}

// LiveMatches fetches the current league games, quality-filtered:
// games still showing placeholder team names are dropped unless they
// carry a real audience.
func (c *Client) LiveMatches(ctx context.Context) ([]LiveMatch, error) {
	raw, err := c.fetchRaw(ctx)
	if err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode league games: %w", err)
	}

	matches := make([]LiveMatch, 0, len(resp.Result.Games))
	for _, g := range resp.Result.Games {
		m := LiveMatch{
			MatchID:      g.MatchID,
			LeagueID:     g.LeagueID,
			RadiantName:  g.RadiantTeam.TeamName,
			DireName:     g.DireTeam.TeamName,
			Spectators:   g.Spectators,
			Duration:     g.Scoreboard.Duration,
			RadiantScore: g.Scoreboard.Radiant.Score,
			DireScore:    g.Scoreboard.Dire.Score,
		}
		for _, p := range g.Scoreboard.Radiant.Players {
			m.Players = append(m.Players, PlayerStats{
				Side: telemetry.SideRadiant, NetWorth: p.NetWorth, Gold: p.Gold,
				Level: p.Level, XPPerMin: p.XPPerMin,
			})
		}
		for _, p := range g.Scoreboard.Dire.Players {
			m.Players = append(m.Players, PlayerStats{
				Side: telemetry.SideDire, NetWorth: p.NetWorth, Gold: p.Gold,
				Level: p.Level, XPPerMin: p.XPPerMin,
			})
		}

		if hasPlaceholderNames(m) && m.Spectators <= minSpectatorsForUnnamed {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func hasPlaceholderNames(m LiveMatch) bool {
	return isPlaceholder(m.RadiantName) || isPlaceholder(m.DireName)
}

func isPlaceholder(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "radiant", "dire", "unknown team":
		return true
	}
	return false
}

// fetchRaw serves the raw response body through the two cache tiers,
// hitting upstream only when both have expired.
func (c *Client) fetchRaw(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.memCache != nil && time.Since(c.memCacheAt) < memoryCacheTTL {
		raw := c.memCache
		c.mu.Unlock()
		return raw, nil
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, redisCacheKey).Bytes(); err == nil {
			c.storeMemCache(raw)
			return raw, nil
		}
	}

	if c.gate != nil && !c.gate.CanCall(Source) {
		// Budget refused: serve whatever is in memory even if expired.
		c.mu.Lock()
		raw := c.memCache
		c.mu.Unlock()
		if raw != nil {
			c.logger.Warn("serving expired live-stats cache, quota refused")
			return raw, nil
		}
		return nil, fmt.Errorf("%s: %w", Source, quota.ErrQuotaExceeded)
	}

	raw, err := c.fetchUpstream(ctx)
	if err != nil {
		// Transient upstream trouble: serve whatever is in memory even
		// if expired.
		c.mu.Lock()
		stale := c.memCache
		c.mu.Unlock()
		if stale != nil {
			c.logger.Warn("serving expired live-stats cache, upstream failed", zap.Error(err))
			return stale, nil
		}
		return nil, err
	}

	c.storeMemCache(raw)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, redisCacheKey, raw, redisCacheTTL).Err(); err != nil {
			c.logger.Warn("redis cache write failed", zap.Error(err))
		}
	}
	return raw, nil
}

// fetchUpstream performs the rate-limited GET with one bounded retry on
// 429.
func (c *Client) fetchUpstream(ctx context.Context) ([]byte, error) {
	params := url.Values{}
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	u := c.baseURL + "/IDOTA2Match_570/GetLiveLeagueGames/v1/"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if c.recorder != nil {
				c.recorder.RecordProviderError(Source)
			}
			return nil, fmt.Errorf("http request: %w", err)
		}
		if c.gate != nil {
			c.gate.RecordCall(Source)
		}
		if c.recorder != nil {
			c.recorder.RecordProviderCall(Source)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			resp.Body.Close()
			c.logger.Warn("rate limited upstream, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if c.recorder != nil {
				c.recorder.RecordProviderError(Source)
			}
			return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return raw, nil
	}
}

func (c *Client) storeMemCache(raw []byte) {
	c.mu.Lock()
	c.memCache = raw
	c.memCacheAt = time.Now()
	c.mu.Unlock()
}
