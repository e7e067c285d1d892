package engine

import (
	"errors"
	"fmt"
)

// ErrAlreadyInitialized rejects a repeat of the one-time initialize call.
// It sits outside the numbered taxonomy, which only covers handler-level
// failures on an initialized deployment.
var ErrAlreadyInitialized = errors.New("config already initialized")

// ErrorCode is the closed error taxonomy of the settlement engine. Codes are
// stable and numbered from 6000, matching the on-chain convention for custom
// program errors. Every handler validates all preconditions before mutating
// anything, so a returned code always means zero state change.
type ErrorCode uint32

const (
	ErrPaused ErrorCode = 6000 + iota
	ErrNotPaused
	ErrInvalidAdmin
	ErrUnauthorizedCreator
	ErrInvalidFee
	ErrInvalidFeeRecipient
	ErrInvalidResolutionTime
	ErrEmptyQuestion
	ErrQuestionTooLong
	ErrMarketNotFound
	ErrMarketNotActive
	ErrMarketAlreadyFinalized
	ErrMarketNotFinalized
	ErrMarketExpired
	ErrMarketNotExpired
	ErrInvalidOutcome
	ErrNoOpposition
	ErrZeroAmount
	ErrNoPosition
	ErrAlreadyClaimed
	ErrOverflow
	ErrAlreadyCommitted
	ErrNotCommitted
	ErrAlreadyRevealed
	ErrInvalidCommitment
	ErrRevealDeadlineExpired
	ErrRevealDeadlineNotPassed
	ErrNoUnrevealedStakes
	ErrPythPriceUpdateRequired
	ErrPythPriceTooOld
	ErrPythFeedIDMismatch
)

var errorMessages = map[ErrorCode]string{
	ErrPaused:                  "contract is paused",
	ErrNotPaused:               "contract is not paused",
	ErrInvalidAdmin:            "invalid admin",
	ErrUnauthorizedCreator:     "creator not authorized to create markets",
	ErrInvalidFee:              "invalid fee percentage",
	ErrInvalidFeeRecipient:     "invalid fee recipient",
	ErrInvalidResolutionTime:   "invalid resolution time",
	ErrEmptyQuestion:           "empty question",
	ErrQuestionTooLong:         "question too long",
	ErrMarketNotFound:          "market not found",
	ErrMarketNotActive:         "market not active",
	ErrMarketAlreadyFinalized:  "market already finalized",
	ErrMarketNotFinalized:      "market not finalized",
	ErrMarketExpired:           "market expired",
	ErrMarketNotExpired:        "market not expired",
	ErrInvalidOutcome:          "invalid outcome",
	ErrNoOpposition:            "no opposition in market",
	ErrZeroAmount:              "zero amount",
	ErrNoPosition:              "no position",
	ErrAlreadyClaimed:          "already claimed",
	ErrOverflow:                "overflow error",
	ErrAlreadyCommitted:        "user has already committed in this market",
	ErrNotCommitted:            "user has not committed in this market",
	ErrAlreadyRevealed:         "user has already revealed in this market",
	ErrInvalidCommitment:       "invalid commitment reveal data",
	ErrRevealDeadlineExpired:   "reveal deadline has passed",
	ErrRevealDeadlineNotPassed: "reveal deadline has not passed yet",
	ErrNoUnrevealedStakes:      "no unrevealed stakes to forfeit",
	ErrPythPriceUpdateRequired: "pyth price update required for oracle-based markets",
	ErrPythPriceTooOld:         "pyth price update is too old",
	ErrPythFeedIDMismatch:      "pyth price feed id mismatch",
}

func (c ErrorCode) Error() string {
	if msg, ok := errorMessages[c]; ok {
		return fmt.Sprintf("%s (code %d)", msg, uint32(c))
	}
	return fmt.Sprintf("unknown engine error (code %d)", uint32(c))
}

// Code extracts the numeric value, for API responses and event records.
func (c ErrorCode) Code() uint32 { return uint32(c) }
