package oracle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coldbell/prediction/backend/internal/engine"
)

// PriceUpdateV2 account layout as posted by the Pyth push oracle.
var priceUpdateV2Discriminator = [8]byte{34, 241, 35, 99, 157, 126, 244, 205}

var (
	errInvalidPriceUpdate = errors.New("invalid price update payload")
)

// DecodePriceUpdate parses a raw PriceUpdateV2 account payload into a
// reading. Only fully verified updates are accepted.
func DecodePriceUpdate(data []byte) (*engine.PriceReading, error) {
	if len(data) < len(priceUpdateV2Discriminator) {
		return nil, fmt.Errorf("%w: payload too short", errInvalidPriceUpdate)
	}
	if !bytes.Equal(data[:8], priceUpdateV2Discriminator[:]) {
		return nil, fmt.Errorf("%w: discriminator mismatch", errInvalidPriceUpdate)
	}

	offset := 8
	if len(data) < offset+32 {
		return nil, fmt.Errorf("%w: missing write authority", errInvalidPriceUpdate)
	}
	offset += 32 // write_authority

	if len(data) < offset+1 {
		return nil, fmt.Errorf("%w: missing verification level", errInvalidPriceUpdate)
	}
	verificationVariant := data[offset]
	offset++
	switch verificationVariant {
	case 1: // Full
	case 0: // Partial { num_signatures: u8 }
		return nil, fmt.Errorf("%w: verification level is partial", errInvalidPriceUpdate)
	default:
		return nil, fmt.Errorf("%w: unknown verification level %d", errInvalidPriceUpdate, verificationVariant)
	}

	feedID, offset, err := readFixed32(data, offset)
	if err != nil {
		return nil, err
	}
	price, offset, err := readI64(data, offset)
	if err != nil {
		return nil, err
	}
	conf, offset, err := readU64(data, offset)
	if err != nil {
		return nil, err
	}
	exponent, offset, err := readI32(data, offset)
	if err != nil {
		return nil, err
	}
	publishTime, offset, err := readI64(data, offset)
	if err != nil {
		return nil, err
	}
	_, offset, err = readI64(data, offset) // prev_publish_time
	if err != nil {
		return nil, err
	}
	_, offset, err = readI64(data, offset) // ema_price
	if err != nil {
		return nil, err
	}
	_, offset, err = readU64(data, offset) // ema_conf
	if err != nil {
		return nil, err
	}
	_, offset, err = readU64(data, offset) // posted_slot
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes", errInvalidPriceUpdate)
	}
	if publishTime < 0 {
		return nil, fmt.Errorf("%w: negative publish time %d", errInvalidPriceUpdate, publishTime)
	}

	return &engine.PriceReading{
		FeedID:      feedID,
		Price:       price,
		Conf:        conf,
		Expo:        exponent,
		PublishTime: publishTime,
	}, nil
}

func readFixed32(data []byte, offset int) ([32]byte, int, error) {
	if len(data) < offset+32 {
		return [32]byte{}, offset, fmt.Errorf("%w: truncated feed id", errInvalidPriceUpdate)
	}
	var out [32]byte
	copy(out[:], data[offset:offset+32])
	return out, offset + 32, nil
}

func readU64(data []byte, offset int) (uint64, int, error) {
	if len(data) < offset+8 {
		return 0, offset, fmt.Errorf("%w: truncated u64 field", errInvalidPriceUpdate)
	}
	return binary.LittleEndian.Uint64(data[offset : offset+8]), offset + 8, nil
}

func readI64(data []byte, offset int) (int64, int, error) {
	u, next, err := readU64(data, offset)
	if err != nil {
		return 0, offset, err
	}
	return int64(u), next, nil
}

func readI32(data []byte, offset int) (int32, int, error) {
	if len(data) < offset+4 {
		return 0, offset, fmt.Errorf("%w: truncated i32 field", errInvalidPriceUpdate)
	}
	return int32(binary.LittleEndian.Uint32(data[offset : offset+4])), offset + 4, nil
}
