package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var testSigner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func rawParams(raw string) []json.RawMessage {
	var params []json.RawMessage
	err := json.Unmarshal([]byte(raw), &params)
	if err != nil {
		panic(err)
	}
	return params
}

type quote struct {
	Fee uint64 `json:"fee"`
}

type enrollArgs struct {
	Market     string  `json:"market"`
	Collateral uint64  `json:"collateral"`
	Fee        *uint64 `json:"fee,omitempty"`
}

func TestGetMethodTypes(t *testing.T) {
	testCases := map[string]struct {
		fn     any
		in     int
		out    int
		expErr error
	}{
		"args and result": {
			fn:  func(ctx context.Context, market string, who common.Address) (quote, error) { return quote{}, nil },
			in:  3,
			out: 2,
		},
		"error only": {
			fn:  func(ctx context.Context) error { return nil },
			in:  1,
			out: 1,
		},
		"no context": {
			fn:     func(market string) error { return nil },
			expErr: ErrMustHaveContext,
		},
		"no error": {
			fn:     func(ctx context.Context, market string) (quote, bool) { return quote{}, false },
			expErr: ErrMustReturnError,
		},
		"too many results": {
			fn:     func(ctx context.Context) (quote, uint64, error) { return quote{}, 0, nil },
			expErr: ErrTooManyReturnValues,
		},
		"not a function": {
			fn:     quote{},
			expErr: ErrNotFunction,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			method, err := getMethodTypes(tc.fn)
			if tc.expErr != nil {
				require.ErrorIs(t, err, tc.expErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, method.in, tc.in)
			require.Len(t, method.out, tc.out)
		})
	}
}

func TestExtractArgumentsFromJSON(t *testing.T) {
	method, err := getMethodTypes(func(context.Context, string, common.Address, []uint64, enrollArgs) error {
		return nil
	})
	require.NoError(t, err)

	args, err := extractArgumentsFromJSONparamsArray(method.in[1:], rawParams(
		`["rialto", "0x00000000000000000000000000000000000000aa", [15, 16, 17], {"market": "rialto", "collateral": 100}]`,
	))
	require.NoError(t, err)
	require.Len(t, args, 4)
	require.Equal(t, "rialto", args[0].Interface())
	require.Equal(t, testSigner, args[1].Interface())
	require.Equal(t, []uint64{15, 16, 17}, args[2].Interface())
	require.Equal(t, enrollArgs{Market: "rialto", Collateral: 100}, args[3].Interface())

	// missing trailing params are zero values
	args, err = extractArgumentsFromJSONparamsArray(method.in[1:], rawParams(`["rialto"]`))
	require.NoError(t, err)
	require.Len(t, args, 4)
	require.Equal(t, common.Address{}, args[1].Interface())
	require.Nil(t, args[2].Interface())
}

func TestCall_InvalidParams(t *testing.T) {
	method, err := getMethodTypes(func(ctx context.Context, fee uint64) error { return nil })
	require.NoError(t, err)

	_, err = method.call(context.Background(), rawParams(`[1, 2]`))
	require.ErrorIs(t, err, ErrTooMuchArguments)
	require.Equal(t, CodeInvalidParams, errorCode(err))

	_, err = method.call(context.Background(), rawParams(`["fifteen"]`))
	require.Error(t, err)
	require.Equal(t, CodeInvalidParams, errorCode(err))

	_, err = method.call(context.Background(), rawParams(`[-1]`))
	require.Equal(t, CodeInvalidParams, errorCode(err))
}

func TestCall(t *testing.T) {
	errFeeTooLow := errors.New("fee too low") //nolint:goerr113

	enroll := func(ctx context.Context, args enrollArgs) (quote, error) {
		require.Equal(t, testSigner, GetSigner(ctx))
		fee := uint64(15)
		if args.Fee != nil {
			fee = *args.Fee
		}
		if fee < 15 {
			return quote{}, errFeeTooLow
		}
		return quote{Fee: fee}, nil
	}
	withdraw := func(ctx context.Context, market string) error {
		require.Equal(t, testSigner, GetSigner(ctx))
		if market == "" {
			return errFeeTooLow
		}
		return nil
	}
	marketFee := func(ctx context.Context) (*uint64, error) {
		return nil, nil
	}

	testCases := map[string]struct {
		function      any
		args          string
		expectedValue any
		expectedError error
	}{
		"default fee": {
			function:      enroll,
			args:          `[{"market": "rialto", "collateral": 100}]`,
			expectedValue: quote{Fee: 15},
		},
		"explicit fee": {
			function:      enroll,
			args:          `[{"market": "rialto", "collateral": 100, "fee": 20}]`,
			expectedValue: quote{Fee: 20},
		},
		"method error": {
			function:      enroll,
			args:          `[{"market": "rialto", "collateral": 100, "fee": 1}]`,
			expectedValue: quote{},
			expectedError: errFeeTooLow,
		},
		"error only": {
			function:      withdraw,
			args:          `["rialto"]`,
			expectedValue: nil,
		},
		"error only failing": {
			function:      withdraw,
			args:          `[]`,
			expectedValue: nil,
			expectedError: errFeeTooLow,
		},
		"nil result": {
			function:      marketFee,
			args:          `[]`,
			expectedValue: (*uint64)(nil),
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			method, err := getMethodTypes(tc.function)
			require.NoError(t, err)

			ctx := WithSigner(context.Background(), testSigner)
			result, err := method.call(ctx, rawParams(tc.args))
			if tc.expectedError == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.expectedError)
			}
			require.Equal(t, tc.expectedValue, result)
		})
	}
}
