// Package price defines the price sample exchanged between the collector and
// the client, and its plaintext wire form.
package price

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the civil datetime format used in ledger lines.
const TimestampLayout = "2006-01-02 15:04:05"

// ErrPlaintext is returned when a decrypted payload is not four integers.
var ErrPlaintext = errors.New("malformed sample plaintext")

// Field identifies one of the four scraped prices. The numeric order is the
// plaintext order and must never change.
type Field int

const (
	Tether Field = iota
	USD
	Gold
	Coin
)

// Fields lists every field in wire order.
var Fields = [...]Field{Tether, USD, Gold, Coin}

func (f Field) String() string {
	switch f {
	case Tether:
		return "usdt"
	case USD:
		return "usd"
	case Gold:
		return "gold"
	case Coin:
		return "coin"
	default:
		return "unknown"
	}
}

// ParseField accepts the series names used by consumers.
func ParseField(name string) (Field, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "usdt", "tether":
		return Tether, true
	case "usd", "dollar":
		return USD, true
	case "gold":
		return Gold, true
	case "coin":
		return Coin, true
	}
	return 0, false
}

// Sample is one collected observation of all four prices.
type Sample struct {
	Time   time.Time
	Values [len(Fields)]int64
}

// Get returns the value of f.
func (s Sample) Get(f Field) int64 { return s.Values[f] }

// Timestamp renders the sample time in TimestampLayout.
func (s Sample) Timestamp() string { return s.Time.Format(TimestampLayout) }

// Plaintext renders "tether,usd,gold,coin".
func (s Sample) Plaintext() string {
	parts := make([]string, len(s.Values))
	for i, v := range s.Values {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

// ParsePlaintext is the inverse of Sample.Plaintext.
func ParsePlaintext(s string) ([len(Fields)]int64, error) {
	var out [len(Fields)]int64
	parts := strings.Split(s, ",")
	if len(parts) != len(out) {
		return out, fmt.Errorf("%w: want %d fields, got %d", ErrPlaintext, len(out), len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return out, fmt.Errorf("%w: field %s: %v", ErrPlaintext, Fields[i], err)
		}
		out[i] = v
	}
	return out, nil
}

// ParseTimestamp parses a ledger timestamp. The result carries no zone; it
// is only used for ordering.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}
