package engine

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MarketState is the market lifecycle. Active is the only non-terminal state.
type MarketState bin.BorshEnum

const (
	MarketStateActive MarketState = iota
	MarketStateResolved
	MarketStateCancelled
)

func (s MarketState) String() string {
	switch s {
	case MarketStateActive:
		return "active"
	case MarketStateResolved:
		return "resolved"
	case MarketStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("market_state(%d)", uint8(s))
	}
}

// Outcome is a binary market result. None is only valid pre-resolution and
// as the recorded outcome of a forfeited position.
type Outcome bin.BorshEnum

const (
	OutcomeNone Outcome = iota
	OutcomeYes
	OutcomeNo
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Account discriminators: sha256("account:<Name>")[..8], prefixed to every
// persisted record.
var (
	ConfigDiscriminator       = accountDiscriminator("Config")
	MarketDiscriminator       = accountDiscriminator("Market")
	UserPositionDiscriminator = accountDiscriminator("UserPosition")
)

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// Config is the deployment-wide singleton.
type Config struct {
	Admin         solana.PublicKey
	FeeRecipient  solana.PublicKey
	TokenMint     solana.PublicKey
	TokenDecimals uint8
	MaxFeeBps     uint16
	MarketCounter uint64
	Paused        bool
	Bump          uint8
}

// Market is one record per created market. Once State leaves Active, State
// and WinningOutcome never change again.
type Market struct {
	ID             uint64
	Question       string
	ResolutionTime int64
	State          MarketState
	WinningOutcome Outcome
	YesPool        uint64
	NoPool         uint64
	CreationFee    uint64
	Creator        solana.PublicKey
	CreatedAt      int64

	// Snapshot of Config at creation, insulating the market from later
	// config updates.
	ConfigFeeRecipient solana.PublicKey
	ConfigMaxFeeBps    uint16

	Bump      uint8
	VaultBump uint8

	// Oracle binding; nil on both means manual resolution.
	PythPriceFeedID *[32]byte
	PriceThreshold  *int64

	// Set exactly once, at resolution: ResolutionTime + RevealWindow.
	// Zero while Active or Cancelled.
	RevealDeadline int64

	// Commit-reveal aggregates. Sides are hidden until reveal, so only the
	// count and total are known while the market is live.
	CommitCount    uint32
	TotalCommitted uint64
}

// UserPosition is at most one record per (market, user) pair.
type UserPosition struct {
	MarketID uint64
	User     solana.PublicKey

	// Pari-mutuel legs (legacy betting strategy).
	YesBet uint64
	NoBet  uint64

	Claimed bool
	Bump    uint8

	// Commit-reveal fields. Commitment is immutable after the commit;
	// Revealed and Claimed only ever go false -> true.
	Commitment      [32]byte
	CommittedAmount uint64
	Revealed        bool
	RevealedOutcome Outcome
}

func (obj *Config) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(ConfigDiscriminator[:], false); err != nil {
		return err
	}
	for _, field := range []interface{}{
		obj.Admin, obj.FeeRecipient, obj.TokenMint, obj.TokenDecimals,
		obj.MaxFeeBps, obj.MarketCounter, obj.Paused, obj.Bump,
	} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *Config) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, ConfigDiscriminator); err != nil {
		return err
	}
	for _, field := range []interface{}{
		&obj.Admin, &obj.FeeRecipient, &obj.TokenMint, &obj.TokenDecimals,
		&obj.MaxFeeBps, &obj.MarketCounter, &obj.Paused, &obj.Bump,
	} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *Market) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(MarketDiscriminator[:], false); err != nil {
		return err
	}
	for _, field := range []interface{}{
		obj.ID, obj.Question, obj.ResolutionTime, obj.State,
		obj.WinningOutcome, obj.YesPool, obj.NoPool, obj.CreationFee,
		obj.Creator, obj.CreatedAt, obj.ConfigFeeRecipient,
		obj.ConfigMaxFeeBps, obj.Bump, obj.VaultBump,
	} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	if err := encodeOption(encoder, obj.PythPriceFeedID); err != nil {
		return err
	}
	if err := encodeOption(encoder, obj.PriceThreshold); err != nil {
		return err
	}
	for _, field := range []interface{}{
		obj.RevealDeadline, obj.CommitCount, obj.TotalCommitted,
	} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *Market) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, MarketDiscriminator); err != nil {
		return err
	}
	for _, field := range []interface{}{
		&obj.ID, &obj.Question, &obj.ResolutionTime, &obj.State,
		&obj.WinningOutcome, &obj.YesPool, &obj.NoPool, &obj.CreationFee,
		&obj.Creator, &obj.CreatedAt, &obj.ConfigFeeRecipient,
		&obj.ConfigMaxFeeBps, &obj.Bump, &obj.VaultBump,
	} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	feedID, err := decodeOptionFeedID(decoder)
	if err != nil {
		return err
	}
	obj.PythPriceFeedID = feedID
	threshold, err := decodeOptionInt64(decoder)
	if err != nil {
		return err
	}
	obj.PriceThreshold = threshold
	for _, field := range []interface{}{
		&obj.RevealDeadline, &obj.CommitCount, &obj.TotalCommitted,
	} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *UserPosition) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(UserPositionDiscriminator[:], false); err != nil {
		return err
	}
	for _, field := range []interface{}{
		obj.MarketID, obj.User, obj.YesBet, obj.NoBet, obj.Claimed,
		obj.Bump, obj.Commitment, obj.CommittedAmount, obj.Revealed,
		obj.RevealedOutcome,
	} {
		if err := encoder.Encode(field); err != nil {
			return err
		}
	}
	return nil
}

func (obj *UserPosition) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := checkDiscriminator(decoder, UserPositionDiscriminator); err != nil {
		return err
	}
	for _, field := range []interface{}{
		&obj.MarketID, &obj.User, &obj.YesBet, &obj.NoBet, &obj.Claimed,
		&obj.Bump, &obj.Commitment, &obj.CommittedAmount, &obj.Revealed,
		&obj.RevealedOutcome,
	} {
		if err := decoder.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

func MarshalAccount(obj interface {
	MarshalWithEncoder(*bin.Encoder) error
}) ([]byte, error) {
	var buf bytes.Buffer
	if err := obj.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ParseConfig(data []byte) (*Config, error) {
	out := new(Config)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode config account: %w", err)
	}
	return out, nil
}

func ParseMarket(data []byte) (*Market, error) {
	out := new(Market)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode market account: %w", err)
	}
	return out, nil
}

func ParseUserPosition(data []byte) (*UserPosition, error) {
	out := new(UserPosition)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("decode user position account: %w", err)
	}
	return out, nil
}

func checkDiscriminator(decoder *bin.Decoder, want [8]byte) error {
	got, err := decoder.ReadNBytes(8)
	if err != nil {
		return fmt.Errorf("read account discriminator: %w", err)
	}
	if !bytes.Equal(got, want[:]) {
		return fmt.Errorf("account discriminator mismatch: got %x, want %x", got, want)
	}
	return nil
}

func encodeOption[T any](encoder *bin.Encoder, value *T) error {
	if err := encoder.WriteBool(value != nil); err != nil {
		return err
	}
	if value == nil {
		return nil
	}
	return encoder.Encode(*value)
}

func decodeOptionFeedID(decoder *bin.Decoder) (*[32]byte, error) {
	present, err := decoder.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	var out [32]byte
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeOptionInt64(decoder *bin.Decoder) (*int64, error) {
	present, err := decoder.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	var out int64
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clone helpers keep handler validation free of aliasing: accessors hand out
// copies so callers can never mutate engine state behind its back.

func (obj *Market) Clone() *Market {
	out := *obj
	if obj.PythPriceFeedID != nil {
		feedID := *obj.PythPriceFeedID
		out.PythPriceFeedID = &feedID
	}
	if obj.PriceThreshold != nil {
		threshold := *obj.PriceThreshold
		out.PriceThreshold = &threshold
	}
	return &out
}

func (obj *UserPosition) Clone() *UserPosition {
	out := *obj
	return &out
}

func (obj *Config) Clone() *Config {
	out := *obj
	return &out
}
