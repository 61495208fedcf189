// feemarket-cli is a JSON-RPC client of the fee market node for relayers and operators.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/relay-fee-market/feemarket"
	"github.com/flashbots/relay-fee-market/jsonrpcserver"
	"github.com/ybbus/jsonrpc/v3"
)

var (
	defaultRPC     = cli.GetEnv("FEEMARKET_RPC", "http://127.0.0.1:8080")
	defaultAccount = cli.GetEnv("FEEMARKET_ACCOUNT", "")
	defaultMarket  = cli.GetEnv("FEEMARKET_MARKET", "default")

	rpcPtr     = flag.String("rpc", defaultRPC, "fee market node url")
	accountPtr = flag.String("account", defaultAccount, "account to sign requests with")
	marketPtr  = flag.String("market", defaultMarket, "market id")
	timeoutPtr = flag.Duration("timeout", 10*time.Second, "request timeout")
)

var errUsage = errors.New("invalid arguments")

const usage = `usage: feemarket-cli [flags] <command> [args]

queries:
  market-fee
  relayers
  is-enrolled <account>
  relayer <account>
  capacity <account>
  balance <account>
  order <lane> <nonce>

relayer commands (signed by -account):
  enroll <collateral> [fee]
  update-collateral <collateral>
  update-fee <fee>
  withdraw

admin commands (signed by -account):
  set-slash-protect <floor>
  set-assigned-relayers <n>
  send-message <sender> <lane> <nonce>
  confirm <confirmer> <lane> <begin> <end> [delivered-by]
  finalize <block>
`

type command struct {
	args int
	opt  int
	run  func(ctx context.Context, c *client, args []string) (any, error)
}

type client struct {
	rpc    jsonrpc.RPCClient
	market string
}

// call sends params as a JSON array, the form the node expects.
func (c *client) call(ctx context.Context, method string, params ...any) (any, error) {
	var res any
	if params == nil {
		params = []any{}
	}
	err := c.rpc.CallFor(ctx, &res, method, params)
	return res, err
}

func parseBalance(s string) (feemarket.Balance, error) {
	return strconv.ParseUint(s, 10, 64)
}

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid account %q", errUsage, s)
	}
	return common.HexToAddress(s), nil
}

func parseLane(s string) (feemarket.LaneID, error) {
	var lane feemarket.LaneID
	err := lane.UnmarshalText([]byte(s))
	return lane, err
}

func accountQuery(method string) command {
	return command{args: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		who, err := parseAccount(args[0])
		if err != nil {
			return nil, err
		}
		return c.call(ctx, method, c.market, who)
	}}
}

func balanceWrite(method string, build func(market string, v feemarket.Balance) any) command {
	return command{args: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		v, err := parseBalance(args[0])
		if err != nil {
			return nil, err
		}
		return c.call(ctx, method, build(c.market, v))
	}}
}

var commands = map[string]command{
	"market-fee": {run: func(ctx context.Context, c *client, _ []string) (any, error) {
		return c.call(ctx, feemarket.MarketFeeEndpointName, c.market)
	}},
	"relayers": {run: func(ctx context.Context, c *client, _ []string) (any, error) {
		return c.call(ctx, feemarket.RelayersEndpointName, c.market)
	}},
	"is-enrolled": accountQuery(feemarket.IsEnrolledEndpointName),
	"relayer":     accountQuery(feemarket.GetRelayerEndpointName),
	"capacity":    accountQuery(feemarket.CapacityEndpointName),
	"balance":     accountQuery(feemarket.BalanceEndpointName),
	"order": {args: 2, run: func(ctx context.Context, c *client, args []string) (any, error) {
		lane, err := parseLane(args[0])
		if err != nil {
			return nil, err
		}
		nonce, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return nil, err
		}
		return c.call(ctx, feemarket.OrderEndpointName, c.market, feemarket.OrderID{Lane: lane, Nonce: nonce})
	}},
	"enroll": {args: 1, opt: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		collateral, err := parseBalance(args[0])
		if err != nil {
			return nil, err
		}
		enroll := feemarket.EnrollArgs{Market: c.market, Collateral: collateral}
		if len(args) > 1 {
			fee, err := parseBalance(args[1])
			if err != nil {
				return nil, err
			}
			enroll.Fee = &fee
		}
		return c.call(ctx, feemarket.EnrollEndpointName, enroll)
	}},
	"update-collateral": balanceWrite(feemarket.UpdateCollateralEndpointName, func(market string, v feemarket.Balance) any {
		return feemarket.UpdateCollateralArgs{Market: market, Collateral: v}
	}),
	"update-fee": balanceWrite(feemarket.UpdateFeeEndpointName, func(market string, v feemarket.Balance) any {
		return feemarket.UpdateFeeArgs{Market: market, Fee: v}
	}),
	"withdraw": {run: func(ctx context.Context, c *client, _ []string) (any, error) {
		return c.call(ctx, feemarket.WithdrawEndpointName, c.market)
	}},
	"set-slash-protect": {args: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		floor, err := parseBalance(args[0])
		if err != nil {
			return nil, err
		}
		return c.call(ctx, feemarket.SetSlashProtectEndpointName, c.market, floor)
	}},
	"set-assigned-relayers": {args: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return nil, err
		}
		return c.call(ctx, feemarket.SetAssignedRelayersEndpointName, c.market, uint32(n))
	}},
	"send-message": {args: 3, run: func(ctx context.Context, c *client, args []string) (any, error) {
		sender, err := parseAccount(args[0])
		if err != nil {
			return nil, err
		}
		lane, err := parseLane(args[1])
		if err != nil {
			return nil, err
		}
		nonce, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return nil, err
		}
		return c.call(ctx, feemarket.SendMessageEndpointName, feemarket.SendMessageArgs{
			Market: c.market, Sender: sender, Lane: lane, Nonce: nonce,
		})
	}},
	"confirm": {args: 4, opt: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		confirmer, err := parseAccount(args[0])
		if err != nil {
			return nil, err
		}
		lane, err := parseLane(args[1])
		if err != nil {
			return nil, err
		}
		begin, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return nil, err
		}
		r := feemarket.ConfirmedRange{Lane: lane, Begin: begin, End: end}
		if len(args) > 4 {
			if r.DeliveredBy, err = parseAccount(args[4]); err != nil {
				return nil, err
			}
		}
		return c.call(ctx, feemarket.MessagesConfirmedEndpointName, feemarket.MessagesConfirmedArgs{
			Market: c.market, Confirmer: confirmer, Ranges: []feemarket.ConfirmedRange{r},
		})
	}},
	"finalize": {args: 1, run: func(ctx context.Context, c *client, args []string) (any, error) {
		block, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return nil, err
		}
		return c.call(ctx, feemarket.FinalizeBlockEndpointName, block)
	}},
}

func run() error {
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage); flag.PrintDefaults() }
	flag.Parse()
	if flag.NArg() == 0 {
		return errUsage
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if len(args) < cmd.args || len(args) > cmd.args+cmd.opt {
		return fmt.Errorf("%w: %s takes %d arguments", errUsage, name, cmd.args)
	}

	headers := map[string]string{}
	if *accountPtr != "" {
		account, err := parseAccount(*accountPtr)
		if err != nil {
			return err
		}
		headers[jsonrpcserver.SignatureHeader] = account.Hex()
	}
	c := &client{
		rpc:    jsonrpc.NewClientWithOpts(*rpcPtr, &jsonrpc.RPCClientOpts{CustomHeaders: headers}),
		market: *marketPtr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutPtr)
	defer cancel()
	res, err := cmd.run(ctx, c, args)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}
