package partition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

func TestResolveDeterministic(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		wantDir  string
		wantBase string
	}{
		{
			name: "tick",
			key: Key{
				Broker: "ctp", Market: "cffex", DataType: DataTypeTick,
				Symbol: "IF2403", Date: 20240305,
			},
			wantDir:  filepath.Join("ctp", "cffex", "tick", "IF2403", "2024"),
			wantBase: "IF2403_tick_20240305",
		},
		{
			name: "kline",
			key: Key{
				Broker: "binance", Market: "spot", DataType: DataTypeKline,
				Symbol: "BTCUSDT", Freq: record.Freq1m, Date: 20240305,
			},
			wantDir:  filepath.Join("binance", "spot", "kline", "BTCUSDT", "1m", "2024"),
			wantBase: "BTCUSDT_1m_20240305",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.key.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			loc := Resolve(tt.key)
			if loc.Dir != tt.wantDir {
				t.Errorf("Dir = %q, want %q", loc.Dir, tt.wantDir)
			}
			if loc.Base != tt.wantBase {
				t.Errorf("Base = %q, want %q", loc.Base, tt.wantBase)
			}
			// Deterministic: same key, same location.
			if again := Resolve(tt.key); again != loc {
				t.Errorf("Resolve not deterministic: %v vs %v", again, loc)
			}
		})
	}
}

func TestKeyValidate(t *testing.T) {
	valid := Key{Broker: "b", Market: "m", DataType: DataTypeTick, Symbol: "S", Date: 20240101}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Key)
	}{
		{"no broker", func(k *Key) { k.Broker = "" }},
		{"no symbol", func(k *Key) { k.Symbol = "" }},
		{"bad type", func(k *Key) { k.DataType = "quote" }},
		{"tick with freq", func(k *Key) { k.Freq = record.Freq1m }},
		{"no date", func(k *Key) { k.Date = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := valid
			tt.mut(&k)
			if err := k.Validate(); !errors.Is(err, errors.ErrInvalidKey) {
				t.Errorf("Validate = %v, want ErrInvalidKey", err)
			}
		})
	}

	kline := Key{Broker: "b", Market: "m", DataType: DataTypeKline, Symbol: "S", Date: 20240101}
	if err := kline.Validate(); !errors.Is(err, errors.ErrInvalidKey) {
		t.Errorf("kline without freq accepted")
	}
}

func TestTradingDateRollover(t *testing.T) {
	sh, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// Night-session convention: the trading day opens at 21:00 the prior
	// local evening.
	cal := Calendar{Venue: "cffex", Loc: sh, Rollover: -3 * time.Hour}

	tests := []struct {
		local time.Time
		want  Date
	}{
		// Day session belongs to its own date.
		{time.Date(2024, 3, 5, 10, 30, 0, 0, sh), 20240305},
		// After 21:00 the next trading day has begun.
		{time.Date(2024, 3, 5, 21, 0, 0, 0, sh), 20240306},
		{time.Date(2024, 3, 5, 23, 59, 0, 0, sh), 20240306},
		// Just before the boundary still belongs to the 5th.
		{time.Date(2024, 3, 5, 20, 59, 59, 0, sh), 20240305},
	}

	for _, tt := range tests {
		if got := cal.TradingDate(tt.local); got != tt.want {
			t.Errorf("TradingDate(%v) = %v, want %v", tt.local, got, tt.want)
		}
	}

	// A UTC calendar just uses the calendar date.
	utc := Calendar{Loc: time.UTC}
	ts := time.Date(2024, 3, 5, 23, 59, 59, 0, time.UTC)
	if got := utc.TradingDate(ts); got != 20240305 {
		t.Errorf("UTC TradingDate = %v", got)
	}
}

func TestTradingDates(t *testing.T) {
	cal := UTCCalendar

	start := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	got := cal.TradingDates(start, end)
	want := []Date{20240304, 20240305, 20240306}
	if len(got) != len(want) {
		t.Fatalf("TradingDates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TradingDates = %v, want %v", got, want)
		}
	}

	// End exactly on midnight is exclusive: the final date drops off.
	end = time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	got = cal.TradingDates(start, end)
	if len(got) != 2 || got[1] != 20240305 {
		t.Errorf("half-open end: got %v", got)
	}

	if got := cal.TradingDates(end, end); got != nil {
		t.Errorf("empty interval: got %v", got)
	}
}

func TestEnumerate(t *testing.T) {
	root := t.TempDir()

	key := Key{Broker: "binance", Market: "spot", DataType: DataTypeKline,
		Symbol: "BTCUSDT", Freq: record.Freq1m, Date: 20240305}
	loc := Resolve(key)
	dir := filepath.Join(root, loc.Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{loc.CanonicalSegment(), loc.PartSegment(1)} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	// Matching prefix returns the key once despite two files.
	keys, err := Enumerate(context.Background(), root, Prefix{Broker: "binance", Market: "spot",
		DataType: DataTypeKline, Symbol: "BTCUSDT", Freq: record.Freq1m})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("Enumerate = %v, want [%v]", keys, key)
	}

	// No matches yet under an existing parent: empty, not an error.
	keys, err = Enumerate(context.Background(), root, Prefix{Broker: "binance", Market: "spot",
		DataType: DataTypeKline, Symbol: "ETHUSDT"})
	if err != nil {
		t.Fatalf("Enumerate empty scope: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}

	// Missing parent scope: ErrNotFound.
	_, err = Enumerate(context.Background(), root, Prefix{Broker: "okx", Market: "spot", DataType: DataTypeTick})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing parent: err = %v, want ErrNotFound", err)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("20240305")
	if err != nil || d != 20240305 {
		t.Fatalf("ParseDate = %v, %v", d, err)
	}
	for _, s := range []string{"2024030", "abcdefgh", "20241305", "20240300"} {
		if _, err := ParseDate(s); err == nil {
			t.Errorf("ParseDate(%q) succeeded", s)
		}
	}
}
