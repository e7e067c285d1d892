package engine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// PriceReading is the oracle tuple the engine consumes at resolution. How
// the bytes got here (Hermes fetch, posted price-update account) is the
// oracle adapter's business; the engine only validates and compares.
type PriceReading struct {
	FeedID      [32]byte
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime int64
}

// SolUSDFeedID is the Pyth SOL/USD feed every oracle-bound market uses.
var SolUSDFeedID = MustFeedIDFromHex("ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d")

// FeedIDFromHex parses a 32-byte feed id from its hex form, accepting an
// optional 0x prefix.
func FeedIDFromHex(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("decode feed id %q: %w", raw, err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("feed id %q: got %d bytes, want 32", raw, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func MustFeedIDFromHex(raw string) [32]byte {
	out, err := FeedIDFromHex(raw)
	if err != nil {
		panic(err)
	}
	return out
}

func FeedIDHex(feedID [32]byte) string {
	return hex.EncodeToString(feedID[:])
}

// ValidateReading checks a reading against a market's feed binding before
// it is trusted: the feed id must match exactly and the publish time must
// be within maxStaleness of now, never in the future.
func ValidateReading(reading *PriceReading, wantFeedID [32]byte, now, maxStaleness int64) error {
	if reading == nil {
		return ErrPythPriceUpdateRequired
	}
	if !bytes.Equal(reading.FeedID[:], wantFeedID[:]) {
		return ErrPythFeedIDMismatch
	}
	if reading.PublishTime > now {
		return ErrPythPriceTooOld
	}
	if now-reading.PublishTime > maxStaleness {
		return ErrPythPriceTooOld
	}
	return nil
}

// OutcomeFromReading applies the threshold test: price >= threshold wins
// Yes, otherwise No. The threshold is expressed in the feed's native
// exponent units, the same format the reading carries.
func OutcomeFromReading(reading *PriceReading, threshold int64) Outcome {
	if reading.Price >= threshold {
		return OutcomeYes
	}
	return OutcomeNo
}
