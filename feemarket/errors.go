package feemarket

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the market wraps exactly one of them.
var (
	ErrValidation           = errors.New("validation error")
	ErrCapacity             = errors.New("capacity error")
	ErrAvailability         = errors.New("availability error")
	ErrSettlementAccounting = errors.New("settlement accounting error")
)

var (
	ErrAlreadyEnrolled     = fmt.Errorf("%w: relayer already enrolled", ErrValidation)
	ErrNotEnrolled         = fmt.Errorf("%w: relayer not enrolled", ErrValidation)
	ErrCollateralTooLow    = fmt.Errorf("%w: collateral too low", ErrValidation)
	ErrFeeTooLow           = fmt.Errorf("%w: fee too low", ErrValidation)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidation)
	ErrDuplicateOrder      = fmt.Errorf("%w: order already exists", ErrValidation)
	ErrUnknownOrder        = fmt.Errorf("%w: unknown order", ErrValidation)
	ErrAlreadyConfirmed    = fmt.Errorf("%w: order already confirmed", ErrValidation)
	ErrInvalidParameter    = fmt.Errorf("%w: invalid parameter", ErrValidation)
	ErrInvalidRange        = fmt.Errorf("%w: invalid nonce range", ErrValidation)
	ErrNotPrivileged       = fmt.Errorf("%w: account is not privileged", ErrValidation)
	ErrUnknownMarket       = fmt.Errorf("%w: unknown market", ErrValidation)
	ErrStaleBlock          = fmt.Errorf("%w: block number must increase", ErrValidation)
	ErrUnknownSigner       = fmt.Errorf("%w: request is not signed", ErrValidation)
	ErrExistentialDeposit  = fmt.Errorf("%w: account would fall below the existential deposit", ErrValidation)

	ErrCapacityExceeded  = fmt.Errorf("%w: collateral does not cover in-flight orders", ErrCapacity)
	ErrHasInFlightOrders = fmt.Errorf("%w: relayer has in-flight orders", ErrCapacity)

	ErrNoRelayerAvailable = fmt.Errorf("%w: not enough relayers with capacity", ErrAvailability)

	ErrTransferFailed = fmt.Errorf("%w: transfer failed", ErrSettlementAccounting)
)

var ErrInternalServiceError = errors.New("fee market service error")

// JSON-RPC error codes of the error classes.
const (
	CodeValidation   = -32602
	CodeCapacity     = -32001
	CodeAvailability = -32002
	CodeInternal     = -32000
)

// ErrorCode maps an error to the JSON-RPC code of its class.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrCapacity):
		return CodeCapacity
	case errors.Is(err, ErrAvailability):
		return CodeAvailability
	default:
		return CodeInternal
	}
}

type rpcError struct {
	err error
}

func (e *rpcError) Error() string {
	return e.err.Error()
}

func (e *rpcError) Unwrap() error {
	return e.err
}

func (e *rpcError) ErrorCode() int {
	return ErrorCode(e.err)
}

func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	var coded *rpcError
	if errors.As(err, &coded) {
		return err
	}
	return &rpcError{err: err}
}
