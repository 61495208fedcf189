package feemarket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ErrOrderNotArchived = errors.New("order not archived")

type DBOrder struct {
	Market      string          `db:"market"`
	Lane        []byte          `db:"lane"`
	Nonce       int64           `db:"nonce"`
	CreatedAt   int64           `db:"created_at"`
	Deadline    int64           `db:"deadline"`
	Fee         decimal.Decimal `db:"fee"`
	Tiers       string          `db:"tiers"`
	Status      string          `db:"status"`
	ConfirmedAt sql.NullInt64   `db:"confirmed_at"`
	InsertedAt  time.Time       `db:"inserted_at"`
}

var insertOrderQuery = `
INSERT INTO fee_order (market, lane, nonce, created_at, deadline, fee, tiers, status)
VALUES (:market, :lane, :nonce, :created_at, :deadline, :fee, :tiers, :status)
ON CONFLICT (market, lane, nonce) DO NOTHING`

var getOrderQuery = `
SELECT market, lane, nonce, created_at, deadline, fee, tiers, status, confirmed_at, inserted_at
FROM fee_order
WHERE market = $1 AND lane = $2 AND nonce = $3`

var settleOrderQuery = `
UPDATE fee_order SET status = :status, confirmed_at = :confirmed_at
WHERE market = :market AND lane = :lane AND nonce = :nonce`

type DBSettlement struct {
	Market         string          `db:"market"`
	Lane           []byte          `db:"lane"`
	Nonce          int64           `db:"nonce"`
	Block          int64           `db:"block"`
	Status         string          `db:"status"`
	ConfirmedAt    sql.NullInt64   `db:"confirmed_at"`
	Confirmer      []byte          `db:"confirmer"`
	QuotedFee      decimal.Decimal `db:"quoted_fee"`
	TreasuryReward decimal.Decimal `db:"treasury_reward"`
	AssignedReward decimal.Decimal `db:"assigned_reward"`
	MessageReward  decimal.Decimal `db:"message_reward"`
	ConfirmReward  decimal.Decimal `db:"confirm_reward"`
	SlashAmount    decimal.Decimal `db:"slash_amount"`
	Record         string          `db:"record"`
}

var insertSettlementQuery = `
INSERT INTO fee_settlement (market, lane, nonce, block, status, confirmer, quoted_fee,
                            treasury_reward, assigned_reward, message_reward, confirm_reward, slash_amount, record)
VALUES (:market, :lane, :nonce, :block, :status, :confirmer, :quoted_fee,
        :treasury_reward, :assigned_reward, :message_reward, :confirm_reward, :slash_amount, :record)
ON CONFLICT (market, lane, nonce) DO NOTHING`

type DBPayout struct {
	Market string          `db:"market"`
	Block  int64           `db:"block"`
	Payee  []byte          `db:"payee"`
	Amount decimal.Decimal `db:"amount"`
	Paid   bool            `db:"paid"`
	Error  sql.NullString  `db:"error"`
}

var insertPayoutQuery = `
INSERT INTO fee_payout (market, block, payee, amount, paid, error)
VALUES (:market, :block, :payee, :amount, :paid, :error)`

// Archive is the durable history of orders and settlements.
type Archive interface {
	InsertOrder(ctx context.Context, market string, order *Order) error
	InsertSettlement(ctx context.Context, market string, report *SettlementReport) error
	GetOrder(ctx context.Context, market string, id OrderID) (*Order, error)
}

type DBBackend struct {
	db *sqlx.DB

	insertOrder *sqlx.NamedStmt
	getOrder    *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertOrder, err := db.PrepareNamed(insertOrderQuery)
	if err != nil {
		return nil, err
	}
	getOrder, err := db.Preparex(getOrderQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:          db,
		insertOrder: insertOrder,
		getOrder:    getOrder,
	}, nil
}

func (b *DBBackend) InsertOrder(ctx context.Context, market string, order *Order) error {
	tiers, err := json.Marshal(order.Tiers)
	if err != nil {
		return err
	}
	dbOrder := DBOrder{
		Market:    market,
		Lane:      order.ID.Lane[:],
		Nonce:     int64(order.ID.Nonce),
		CreatedAt: int64(order.CreatedAt),
		Deadline:  int64(order.Deadline()),
		Fee:       balanceToDecimal(order.Fee()),
		Tiers:     string(tiers),
		Status:    order.Status.String(),
	}
	_, err = b.insertOrder.ExecContext(ctx, dbOrder)
	return err
}

// InsertSettlement records all settled orders and payouts of one batch in a single transaction.
func (b *DBBackend) InsertSettlement(ctx context.Context, market string, report *SettlementReport) error {
	settlements := make([]DBSettlement, 0, len(report.Records))
	for i := range report.Records {
		rec := &report.Records[i]
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		settlements = append(settlements, DBSettlement{
			Market:         market,
			Lane:           rec.ID.Lane[:],
			Nonce:          int64(rec.ID.Nonce),
			Block:          int64(report.Block),
			Status:         rec.Status.String(),
			ConfirmedAt:    sql.NullInt64{Int64: int64(rec.ConfirmedAt), Valid: true},
			Confirmer:      report.Confirmer.Bytes(),
			QuotedFee:      balanceToDecimal(rec.QuotedFee),
			TreasuryReward: balanceToDecimal(rec.TreasuryReward),
			AssignedReward: balanceToDecimal(rec.AssignedReward),
			MessageReward:  balanceToDecimal(rec.MessageReward),
			ConfirmReward:  balanceToDecimal(rec.ConfirmReward),
			SlashAmount:    balanceToDecimal(rec.SlashAmount),
			Record:         string(raw),
		})
	}
	payouts := make([]DBPayout, 0, len(report.Payouts))
	for _, p := range report.Payouts {
		payouts = append(payouts, DBPayout{
			Market: market,
			Block:  int64(report.Block),
			Payee:  p.Payee.Bytes(),
			Amount: balanceToDecimal(p.Amount),
			Paid:   p.Paid,
			Error:  sql.NullString{String: p.Error, Valid: p.Error != ""},
		})
	}

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, s := range settlements {
		if _, err = dbTx.NamedExecContext(ctx, insertSettlementQuery, s); err != nil {
			_ = dbTx.Rollback()
			return err
		}
		if _, err = dbTx.NamedExecContext(ctx, settleOrderQuery, s); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	if len(payouts) > 0 {
		if _, err = dbTx.NamedExecContext(ctx, insertPayoutQuery, payouts); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) GetOrder(ctx context.Context, market string, id OrderID) (*Order, error) {
	var dbOrder DBOrder
	err := b.getOrder.GetContext(ctx, &dbOrder, market, id.Lane[:], int64(id.Nonce))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotArchived
	} else if err != nil {
		return nil, err
	}

	order := &Order{
		ID:        id,
		CreatedAt: BlockNumber(dbOrder.CreatedAt),
	}
	if err := json.Unmarshal([]byte(dbOrder.Tiers), &order.Tiers); err != nil {
		return nil, err
	}
	if err := order.Status.UnmarshalText([]byte(dbOrder.Status)); err != nil {
		return nil, err
	}
	if dbOrder.ConfirmedAt.Valid {
		at := BlockNumber(dbOrder.ConfirmedAt.Int64)
		order.ConfirmedAt = &at
	}
	return order, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func balanceToDecimal(b Balance) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(b), 0)
}
