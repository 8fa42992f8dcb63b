package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/record"
)

const (
	defaultBinanceWSHost   = "wss://stream.binance.com:9443"
	defaultBinanceRESTHost = "https://api.binance.com"

	// Binance caps klines and aggTrades responses at 1000 rows.
	binancePageLimit = 1000
)

// BinanceOptions configures a Binance collector.
type BinanceOptions struct {
	// Market is the market identifier used in partition paths.
	Market string

	// WSHost overrides the websocket endpoint.
	WSHost string

	// RESTHost overrides the REST endpoint.
	RESTHost string

	// Symbols lists the instruments to stream.
	Symbols []string

	// KlineFreqs lists the bar frequencies to stream alongside trades.
	KlineFreqs []record.Freq

	// ReconnectDelay is the wait between reconnect attempts. Default: 5s
	ReconnectDelay time.Duration

	// HTTPClient overrides the REST client.
	HTTPClient *http.Client
}

// Binance collects trades and klines from Binance spot streams and
// backfills over its REST API.
type Binance struct {
	opts   BinanceOptions
	log    *slog.Logger
	dialer *websocket.Dialer
	http   *http.Client
}

// NewBinance creates a Binance collector.
func NewBinance(opts BinanceOptions) *Binance {
	if opts.Market == "" {
		opts.Market = "spot"
	}
	if opts.WSHost == "" {
		opts.WSHost = defaultBinanceWSHost
	}
	if opts.RESTHost == "" {
		opts.RESTHost = defaultBinanceRESTHost
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Binance{
		opts: opts,
		log:  logging.Component("binance"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		http: httpClient,
	}
}

// Name implements Collector.
func (b *Binance) Name() string { return "binance" }

// Market implements Collector.
func (b *Binance) Market() string { return b.opts.Market }

// streamURL builds a combined-stream URL covering every configured
// symbol's trade stream plus one kline stream per frequency.
func (b *Binance) streamURL() string {
	var streams []string
	for _, s := range b.opts.Symbols {
		sym := strings.ToLower(s)
		streams = append(streams, sym+"@trade")
		for _, f := range b.opts.KlineFreqs {
			streams = append(streams, sym+"@kline_"+f.String())
		}
	}
	return b.opts.WSHost + "/stream?streams=" + strings.Join(streams, "/")
}

// Stream implements Collector. It reads the combined stream and submits
// every trade and every closed bar; a dropped connection is redialed
// after ReconnectDelay.
func (b *Binance) Stream(ctx context.Context, sink Sink) error {
	if len(b.opts.Symbols) == 0 {
		return fmt.Errorf("binance: no symbols configured")
	}
	u := b.streamURL()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.streamOnce(ctx, u, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("stream disconnected", "error", err, "retry_in", b.opts.ReconnectDelay)
		}
		select {
		case <-time.After(b.opts.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Binance) streamOnce(ctx context.Context, u string, sink Sink) error {
	conn, _, err := b.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	// The server pings every few minutes and expects a timely pong.
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data),
			time.Now().Add(time.Second))
	})

	// Unblock ReadMessage when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	b.log.Info("stream connected", "symbols", len(b.opts.Symbols))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r, ok, err := b.parseStreamMessage(msg)
		if err != nil {
			b.log.Warn("unparsable stream message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := sink.SubmitLive(b.Name(), b.opts.Market, r); err != nil {
			b.log.Warn("submit failed", "symbol", r.Symbol, "error", err)
		}
	}
}

// Combined-stream envelope and event payloads. Field tags follow the
// venue's single-letter schema.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	// IsBuyerMaker true means the aggressor sold.
	IsBuyerMaker bool `json:"m"`
}

type binanceKlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// parseStreamMessage normalizes one stream payload. Open (still
// forming) bars are skipped: only a closed bar is final, and a
// partial-bar update would look like a conflicting retransmission
// downstream.
func (b *Binance) parseStreamMessage(msg []byte) (record.Record, bool, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return record.Record{}, false, fmt.Errorf("envelope: %w", err)
	}
	if env.Data == nil {
		// Subscription acks arrive outside the envelope.
		return record.Record{}, false, nil
	}

	switch {
	case strings.Contains(env.Stream, "@trade"):
		var ev binanceTradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return record.Record{}, false, fmt.Errorf("trade event: %w", err)
		}
		r, err := tradeRecord(&ev)
		return r, err == nil, err

	case strings.Contains(env.Stream, "@kline"):
		var ev binanceKlineEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return record.Record{}, false, fmt.Errorf("kline event: %w", err)
		}
		if !ev.Kline.Closed {
			return record.Record{}, false, nil
		}
		r, err := klineRecord(ev.Symbol, record.Freq(ev.Kline.Interval),
			ev.Kline.OpenTime, ev.Kline.Open, ev.Kline.High, ev.Kline.Low,
			ev.Kline.Close, ev.Kline.Volume)
		return r, err == nil, err

	default:
		return record.Record{}, false, nil
	}
}

func tradeRecord(ev *binanceTradeEvent) (record.Record, error) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return record.Record{}, fmt.Errorf("price %q: %w", ev.Price, err)
	}
	size, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return record.Record{}, fmt.Errorf("quantity %q: %w", ev.Quantity, err)
	}
	side := record.SideBuy
	if ev.IsBuyerMaker {
		side = record.SideSell
	}
	return record.Record{
		Kind:   record.KindTick,
		Symbol: ev.Symbol,
		TsNs:   ev.TradeTime * int64(time.Millisecond),
		Seq:    uint64(ev.TradeID),
		Price:  price,
		Size:   size,
		Side:   side,
	}, nil
}

func klineRecord(symbol string, freq record.Freq, openTimeMs int64, open, high, low, close, volume string) (record.Record, error) {
	r := record.Record{
		Kind:   record.KindKline,
		Symbol: symbol,
		TsNs:   openTimeMs * int64(time.Millisecond),
		Freq:   freq,
	}
	for _, f := range []struct {
		dst  *decimal.Decimal
		name string
		val  string
	}{
		{&r.Open, "open", open},
		{&r.High, "high", high},
		{&r.Low, "low", low},
		{&r.Close, "close", close},
		{&r.Volume, "volume", volume},
	} {
		d, err := decimal.NewFromString(f.val)
		if err != nil {
			return record.Record{}, fmt.Errorf("%s %q: %w", f.name, f.val, err)
		}
		*f.dst = d
	}
	return r, nil
}

// Klines implements Backfiller via GET /api/v3/klines. Pages of
// binancePageLimit rows are fetched until end is reached.
func (b *Binance) Klines(ctx context.Context, symbol string, freq record.Freq, start, end time.Time) ([]record.Record, error) {
	var out []record.Record
	cursor := start

	for cursor.Before(end) {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("interval", freq.String())
		q.Set("startTime", fmt.Sprintf("%d", cursor.UnixMilli()))
		q.Set("endTime", fmt.Sprintf("%d", end.UnixMilli()-1))
		q.Set("limit", fmt.Sprintf("%d", binancePageLimit))

		var rows [][]json.RawMessage
		if err := b.getJSON(ctx, "/api/v3/klines", q, &rows); err != nil {
			return out, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			// Row layout: openTime, open, high, low, close, volume, ...
			if len(row) < 6 {
				return out, fmt.Errorf("kline row has %d fields", len(row))
			}
			var openTime int64
			if err := json.Unmarshal(row[0], &openTime); err != nil {
				return out, fmt.Errorf("open time: %w", err)
			}
			var o, h, l, c, v string
			for i, dst := range []*string{&o, &h, &l, &c, &v} {
				if err := json.Unmarshal(row[i+1], dst); err != nil {
					return out, fmt.Errorf("kline field %d: %w", i+1, err)
				}
			}
			r, err := klineRecord(symbol, freq, openTime, o, h, l, c, v)
			if err != nil {
				return out, err
			}
			out = append(out, r)
		}

		last := out[len(out)-1].Time()
		next := last.Add(freq.Duration())
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out, nil
}

// Binance aggTrade rows returned by GET /api/v3/aggTrades.
type binanceAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// Trades implements Backfiller via GET /api/v3/aggTrades.
func (b *Binance) Trades(ctx context.Context, symbol string, start, end time.Time) ([]record.Record, error) {
	var out []record.Record
	cursor := start

	for cursor.Before(end) {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("startTime", fmt.Sprintf("%d", cursor.UnixMilli()))
		q.Set("endTime", fmt.Sprintf("%d", end.UnixMilli()-1))
		q.Set("limit", fmt.Sprintf("%d", binancePageLimit))

		var rows []binanceAggTrade
		if err := b.getJSON(ctx, "/api/v3/aggTrades", q, &rows); err != nil {
			return out, err
		}
		if len(rows) == 0 {
			break
		}

		for i := range rows {
			ev := binanceTradeEvent{
				Symbol:       symbol,
				TradeID:      rows[i].ID,
				Price:        rows[i].Price,
				Quantity:     rows[i].Quantity,
				TradeTime:    rows[i].TradeTime,
				IsBuyerMaker: rows[i].IsBuyerMaker,
			}
			r, err := tradeRecord(&ev)
			if err != nil {
				return out, err
			}
			out = append(out, r)
		}

		// Advance past the last trade; same-millisecond trades carry
		// distinct aggTrade IDs so the store dedupes any overlap.
		next := time.UnixMilli(rows[len(rows)-1].TradeTime + 1)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out, nil
}

func (b *Binance) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u := b.opts.RESTHost + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
