package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zonequant/zq-data/internal/record"
)

// Record batch encoding (binary, little-endian):
// - Count (4 bytes)
// Per record:
// - Kind (1 byte)
// - Symbol length (2 bytes) + Symbol string
// - TsNs (8 bytes)
// - Seq (8 bytes)
// Tick records then carry:
// - Price, Size as length-prefixed decimal strings
// - Side (1 byte)
// - Flags (4 bytes)
// Kline records then carry:
// - Freq length (2 bytes) + Freq string
// - Open, High, Low, Close, Volume as length-prefixed decimal strings
//
// Decimals are serialized as their exact string form so the venue's
// native precision survives the round trip.

// encodeRecords encodes a batch of records into a binary payload.
func encodeRecords(records []record.Record) []byte {
	buf := make([]byte, 0, len(records)*96)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))

	for i := range records {
		r := &records[i]
		buf = append(buf, byte(r.Kind))
		buf = appendString(buf, r.Symbol)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.TsNs))
		buf = binary.LittleEndian.AppendUint64(buf, r.Seq)

		switch r.Kind {
		case record.KindTick:
			buf = appendDecimal(buf, r.Price)
			buf = appendDecimal(buf, r.Size)
			buf = append(buf, byte(r.Side))
			buf = binary.LittleEndian.AppendUint32(buf, r.Flags)
		case record.KindKline:
			buf = appendString(buf, string(r.Freq))
			buf = appendDecimal(buf, r.Open)
			buf = appendDecimal(buf, r.High)
			buf = appendDecimal(buf, r.Low)
			buf = appendDecimal(buf, r.Close)
			buf = appendDecimal(buf, r.Volume)
		}
	}

	return buf
}

// decodeRecords decodes a binary payload into records.
func decodeRecords(data []byte) ([]record.Record, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for record count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	records := make([]record.Record, count)
	offset := 4

	for i := 0; i < count; i++ {
		r := &records[i]
		var err error

		if offset+1 > len(data) {
			return nil, fmt.Errorf("record %d: data too short for kind", i)
		}
		r.Kind = record.Kind(data[offset])
		offset++
		if r.Kind != record.KindTick && r.Kind != record.KindKline {
			return nil, fmt.Errorf("record %d: unknown kind %d", i, r.Kind)
		}

		r.Symbol, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("record %d symbol: %w", i, err)
		}

		if offset+16 > len(data) {
			return nil, fmt.Errorf("record %d: data too short for key", i)
		}
		r.TsNs = int64(binary.LittleEndian.Uint64(data[offset:]))
		r.Seq = binary.LittleEndian.Uint64(data[offset+8:])
		offset += 16

		switch r.Kind {
		case record.KindTick:
			if r.Price, offset, err = readDecimal(data, offset); err != nil {
				return nil, fmt.Errorf("record %d price: %w", i, err)
			}
			if r.Size, offset, err = readDecimal(data, offset); err != nil {
				return nil, fmt.Errorf("record %d size: %w", i, err)
			}
			if offset+5 > len(data) {
				return nil, fmt.Errorf("record %d: data too short for side/flags", i)
			}
			r.Side = record.Side(data[offset])
			r.Flags = binary.LittleEndian.Uint32(data[offset+1:])
			offset += 5
		case record.KindKline:
			var freq string
			if freq, offset, err = readString(data, offset); err != nil {
				return nil, fmt.Errorf("record %d freq: %w", i, err)
			}
			r.Freq = record.Freq(freq)
			for _, field := range []*decimal.Decimal{&r.Open, &r.High, &r.Low, &r.Close, &r.Volume} {
				if *field, offset, err = readDecimal(data, offset); err != nil {
					return nil, fmt.Errorf("record %d ohlcv: %w", i, err)
				}
			}
		}
	}

	return records, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}
	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}
	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

func appendDecimal(buf []byte, d decimal.Decimal) []byte {
	return appendString(buf, d.String())
}

func readDecimal(data []byte, offset int) (decimal.Decimal, int, error) {
	s, offset, err := readString(data, offset)
	if err != nil {
		return decimal.Decimal{}, offset, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, offset, fmt.Errorf("decimal %q: %w", s, err)
	}
	return d, offset, nil
}
