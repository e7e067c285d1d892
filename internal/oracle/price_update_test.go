package oracle

import (
	"encoding/binary"
	"testing"

	"github.com/coldbell/prediction/backend/internal/engine"
)

func buildPriceUpdatePayload(verification byte, price int64, conf uint64, expo int32, publishTime int64) []byte {
	out := make([]byte, 0, 134)
	out = append(out, priceUpdateV2Discriminator[:]...)
	out = append(out, make([]byte, 32)...) // write_authority
	out = append(out, verification)
	feedID := engine.SolUSDFeedID
	out = append(out, feedID[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(price))
	out = binary.LittleEndian.AppendUint64(out, conf)
	out = binary.LittleEndian.AppendUint32(out, uint32(expo))
	out = binary.LittleEndian.AppendUint64(out, uint64(publishTime))
	out = binary.LittleEndian.AppendUint64(out, uint64(publishTime-1)) // prev_publish_time
	out = binary.LittleEndian.AppendUint64(out, uint64(price))         // ema_price
	out = binary.LittleEndian.AppendUint64(out, conf)                  // ema_conf
	out = binary.LittleEndian.AppendUint64(out, 123)                   // posted_slot
	return out
}

func TestDecodePriceUpdate(t *testing.T) {
	payload := buildPriceUpdatePayload(1, 15_000_000_000, 5_000_000, -8, 1_700_000_000)

	reading, err := DecodePriceUpdate(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reading.FeedID != engine.SolUSDFeedID {
		t.Error("feed id mismatch")
	}
	if reading.Price != 15_000_000_000 {
		t.Errorf("price = %d, want 15000000000", reading.Price)
	}
	if reading.Conf != 5_000_000 {
		t.Errorf("conf = %d, want 5000000", reading.Conf)
	}
	if reading.Expo != -8 {
		t.Errorf("expo = %d, want -8", reading.Expo)
	}
	if reading.PublishTime != 1_700_000_000 {
		t.Errorf("publish time = %d, want 1700000000", reading.PublishTime)
	}
}

func TestDecodePriceUpdateRejections(t *testing.T) {
	if _, err := DecodePriceUpdate(nil); err == nil {
		t.Error("empty payload must fail")
	}

	wrongDisc := buildPriceUpdatePayload(1, 1, 1, -8, 1)
	wrongDisc[0] ^= 0xFF
	if _, err := DecodePriceUpdate(wrongDisc); err == nil {
		t.Error("wrong discriminator must fail")
	}

	partial := buildPriceUpdatePayload(0, 1, 1, -8, 1)
	if _, err := DecodePriceUpdate(partial); err == nil {
		t.Error("partial verification must fail")
	}

	trailing := append(buildPriceUpdatePayload(1, 1, 1, -8, 1), 0xAA)
	if _, err := DecodePriceUpdate(trailing); err == nil {
		t.Error("trailing bytes must fail")
	}

	truncated := buildPriceUpdatePayload(1, 1, 1, -8, 1)
	if _, err := DecodePriceUpdate(truncated[:60]); err == nil {
		t.Error("truncated payload must fail")
	}
}
