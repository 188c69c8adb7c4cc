package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Ledger mutations run in SERIALIZABLE transactions with row locks on the
// position and participant.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const contestColumns = `id, kind, name, status, starting_capital::TEXT, max_leverage, starts_at, ends_at`

const participantColumns = `id, contest_id, contest_kind, user_id, status,
	starting_capital::TEXT, current_capital::TEXT, available_capital::TEXT, used_margin::TEXT,
	realized_pnl::TEXT, unrealized_pnl::TEXT, pnl::TEXT, pnl_percentage::TEXT,
	total_trades, winning_trades, losing_trades, current_open_positions,
	average_win::TEXT, average_loss::TEXT, largest_win::TEXT, largest_loss::TEXT,
	COALESCE(liquidation_reason, ''), liquidated_at, unrealized_updated_at, joined_at`

const positionColumns = `id, participant_id, contest_id, user_id, symbol, side,
	quantity::TEXT, leverage, entry_price::TEXT, margin_used::TEXT,
	take_profit::TEXT, stop_loss::TEXT, status, COALESCE(close_reason, ''),
	exit_price::TEXT, realized_pnl::TEXT, realized_pnl_percentage::TEXT,
	holding_time_seconds, simulator, opened_at, closed_at`

// --- Contests ---

func (s *PostgresStore) CreateContest(ctx context.Context, c *model.Contest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contests (id, kind, name, status, starting_capital, max_leverage, starts_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		c.ID, c.Kind, c.Name, c.Status, c.StartingCapital.String(), c.MaxLeverage, c.StartsAt, c.EndsAt,
	)
	if err != nil {
		return fmt.Errorf("create contest %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetContest(ctx context.Context, id string) (*model.Contest, error) {
	c, err := scanContest(s.pool.QueryRow(ctx, `SELECT `+contestColumns+` FROM contests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contest %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contest %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContestsDue(ctx context.Context, now time.Time) ([]model.Contest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contestColumns+` FROM contests
		 WHERE (status = 'active' AND ends_at <= $1) OR status = 'ending'
		 ORDER BY ends_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list due contests: %w", err)
	}
	defer rows.Close()

	var out []model.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListContestsWithOpenPositions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT p.contest_id
		 FROM positions p
		 JOIN contest_participants cp ON cp.id = p.participant_id
		 JOIN contests c ON c.id = p.contest_id
		 WHERE p.status = 'open' AND NOT p.simulator
		   AND cp.status = 'active' AND c.status = 'active'
		 ORDER BY p.contest_id`)
	if err != nil {
		return nil, fmt.Errorf("list contests with open positions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) TransitionContest(ctx context.Context, id string, from, to model.ContestStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contests SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition contest %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Participants ---

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contest_participants (id, contest_id, contest_kind, user_id, status,
		        starting_capital, current_capital, available_capital, used_margin, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		p.ID, p.ContestID, p.ContestKind, p.UserID, p.Status,
		p.StartingCapital.String(), p.CurrentCapital.String(),
		p.AvailableCapital.String(), p.UsedMargin.String(), p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("create participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM contest_participants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, contestID string) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM contest_participants WHERE contest_id = $1 ORDER BY id`, contestID)
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", contestID, err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateUnrealizedPnl sends one batched round-trip for all participants.
func (s *PostgresStore) UpdateUnrealizedPnl(ctx context.Context, values map[string]decimal.Decimal, at time.Time) error {
	if len(values) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, v := range values {
		batch.Queue(
			`UPDATE contest_participants SET unrealized_pnl = $2::NUMERIC, unrealized_updated_at = $3 WHERE id = $1`,
			id, v.String(), at)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range values {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("update unrealized pnl: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) MarkParticipantLiquidated(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contest_participants
		 SET status = 'liquidated', liquidation_reason = $2, liquidated_at = $3
		 WHERE id = $1 AND status = 'active' AND current_open_positions = 0`,
		id, reason, at)
	if err != nil {
		return fmt.Errorf("liquidate participant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s not liquidatable: %w", id, model.ErrParticipantInactive)
	}
	return nil
}

func (s *PostgresStore) CompleteParticipants(ctx context.Context, contestID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contest_participants SET status = 'completed' WHERE contest_id = $1 AND status = 'active'`,
		contestID)
	if err != nil {
		return 0, fmt.Errorf("complete participants %s: %w", contestID, err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, contestID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE contest_id = $1 AND status = 'open' ORDER BY opened_at, id`, contestID)
}

func (s *PostgresStore) ListOpenPositionsByParticipant(ctx context.Context, participantID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE participant_id = $1 AND status = 'open' ORDER BY opened_at, id`, participantID)
}

func (s *PostgresStore) ListOpenPositionsWithTriggers(ctx context.Context, contestID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE contest_id = $1 AND status = 'open'
		   AND (stop_loss IS NOT NULL OR take_profit IS NOT NULL)
		 ORDER BY opened_at, id`, contestID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenPosition(ctx context.Context, pos *model.Position) (*model.Participant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", model.ErrTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	var part *model.Participant
	if !pos.Simulator {
		part, err = scanParticipant(tx.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM contest_participants WHERE id = $1 FOR UPDATE`, pos.ParticipantID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("participant %s: %w", pos.ParticipantID, model.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: lock participant: %w", model.ErrTransactionFailed, err)
		}
		if part.Status != model.ParticipantActive {
			return nil, model.ErrParticipantInactive
		}
		if part.AvailableCapital.LessThan(pos.MarginUsed) {
			return nil, fmt.Errorf("%w: need %s, available %s", model.ErrInsufficientMargin, pos.MarginUsed, part.AvailableCapital)
		}
		part.ApplyOpen(pos.MarginUsed)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (id, participant_id, contest_id, user_id, symbol, side, quantity, leverage,
		        entry_price, margin_used, take_profit, stop_loss, status, simulator, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, 'open', $13, $14)`,
		pos.ID, pos.ParticipantID, pos.ContestID, pos.UserID, pos.Symbol, pos.Side,
		pos.Quantity.String(), pos.Leverage, pos.EntryPrice.String(), pos.MarginUsed.String(),
		decimalPtr(pos.TakeProfit), decimalPtr(pos.StopLoss), pos.Simulator, pos.OpenedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert position: %w", model.ErrTransactionFailed, err)
	}

	if part != nil {
		if err := writeLedger(ctx, tx, part); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", model.ErrTransactionFailed, err)
	}
	return part, nil
}

func (s *PostgresStore) UpdateTPSL(ctx context.Context, id string, takeProfit, stopLoss *decimal.Decimal) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`UPDATE positions SET take_profit = $2::NUMERIC, stop_loss = $3::NUMERIC
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+positionColumns,
		id, decimalPtr(takeProfit), decimalPtr(stopLoss)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrPositionNotOpen)
	}
	if err != nil {
		return nil, fmt.Errorf("update tpsl %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, c model.Closure) (*model.ClosedPosition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", model.ErrTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	pos, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, c.PositionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", c.PositionID, model.ErrPositionNotOpen)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock position: %w", model.ErrTransactionFailed, err)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", c.PositionID, model.ErrPositionNotOpen)
	}

	var part *model.Participant
	if !pos.Simulator {
		part, err = scanParticipant(tx.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM contest_participants WHERE id = $1 FOR UPDATE`, pos.ParticipantID))
		if err != nil {
			return nil, fmt.Errorf("%w: lock participant %s: %w", model.ErrTransactionFailed, pos.ParticipantID, err)
		}
		part.ApplyClose(pos, c.RealizedPnl, c.CountInStats)
		if err := part.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrTransactionFailed, err)
		}
	}

	order, trade, err := model.Settle(pos, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransactionFailed, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE positions
		 SET status = $2, close_reason = $3, exit_price = $4::NUMERIC, realized_pnl = $5::NUMERIC,
		     realized_pnl_percentage = $6::NUMERIC, closed_at = $7, holding_time_seconds = $8
		 WHERE id = $1 AND status = 'open'`,
		pos.ID, pos.Status, pos.CloseReason, pos.ExitPrice.String(), pos.RealizedPnl.String(),
		pos.RealizedPnlPercentage.String(), pos.ClosedAt, pos.HoldingTimeSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update position: %w", model.ErrTransactionFailed, err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("position %s: %w", pos.ID, model.ErrPositionNotOpen)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO orders (id, position_id, participant_id, symbol, side, quantity, price, reason, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		order.ID, order.PositionID, order.ParticipantID, order.Symbol, order.Side,
		order.Quantity.String(), order.Price.String(), order.Reason, order.Detail, order.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("%w: insert order: %w", model.ErrTransactionFailed, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO trade_history (id, position_id, order_id, participant_id, contest_id, user_id, symbol, side,
		        quantity, leverage, entry_price, exit_price, margin_used, realized_pnl, pnl_percentage,
		        close_reason, holding_time_seconds, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16, $17, $18, $19)`,
		trade.ID, trade.PositionID, trade.OrderID, trade.ParticipantID, trade.ContestID, trade.UserID,
		trade.Symbol, trade.Side, trade.Quantity.String(), trade.Leverage, trade.EntryPrice.String(),
		trade.ExitPrice.String(), trade.MarginUsed.String(), trade.RealizedPnl.String(),
		trade.PnlPercentage.String(), trade.CloseReason, trade.HoldingTimeSeconds, trade.OpenedAt, trade.ClosedAt,
	); err != nil {
		return nil, fmt.Errorf("%w: insert trade history: %w", model.ErrTransactionFailed, err)
	}

	if part != nil {
		if err := writeLedger(ctx, tx, part); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", model.ErrTransactionFailed, err)
	}
	return &model.ClosedPosition{Position: *pos, Participant: part, Order: order, Trade: trade}, nil
}

// writeLedger persists every ledger field of p inside tx.
func writeLedger(ctx context.Context, tx pgx.Tx, p *model.Participant) error {
	_, err := tx.Exec(ctx,
		`UPDATE contest_participants
		 SET current_capital = $2::NUMERIC, available_capital = $3::NUMERIC, used_margin = $4::NUMERIC,
		     realized_pnl = $5::NUMERIC, pnl = $6::NUMERIC, pnl_percentage = $7::NUMERIC,
		     total_trades = $8, winning_trades = $9, losing_trades = $10, current_open_positions = $11,
		     average_win = $12::NUMERIC, average_loss = $13::NUMERIC,
		     largest_win = $14::NUMERIC, largest_loss = $15::NUMERIC
		 WHERE id = $1`,
		p.ID, p.CurrentCapital.String(), p.AvailableCapital.String(), p.UsedMargin.String(),
		p.RealizedPnl.String(), p.Pnl.String(), p.PnlPercentage.String(),
		p.TotalTrades, p.WinningTrades, p.LosingTrades, p.CurrentOpenPositions,
		p.AverageWin.String(), p.AverageLoss.String(), p.LargestWin.String(), p.LargestLoss.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: update participant %s: %w", model.ErrTransactionFailed, p.ID, err)
	}
	return nil
}

// --- Audit trail ---

func (s *PostgresStore) GetAuditTrail(ctx context.Context, positionID string) ([]model.Order, []model.TradeHistory, error) {
	if _, err := s.GetPosition(ctx, positionID); err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, participant_id, symbol, side, quantity::TEXT, price::TEXT, reason, detail, created_at
		 FROM orders WHERE position_id = $1 ORDER BY created_at`, positionID)
	if err != nil {
		return nil, nil, fmt.Errorf("audit orders %s: %w", positionID, err)
	}
	orders, err := scanOrders(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, position_id, order_id, participant_id, contest_id, user_id, symbol, side,
		        quantity::TEXT, leverage, entry_price::TEXT, exit_price::TEXT, margin_used::TEXT,
		        realized_pnl::TEXT, pnl_percentage::TEXT, close_reason, holding_time_seconds, opened_at, closed_at
		 FROM trade_history WHERE position_id = $1 ORDER BY closed_at`, positionID)
	if err != nil {
		return nil, nil, fmt.Errorf("audit trades %s: %w", positionID, err)
	}
	defer rows.Close()
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, nil, err
	}
	return orders, trades, nil
}

// --- Admin settings ---

// GetRiskSettings reads the singleton row (id = 1), falling back to the
// defaults when it has not been written yet.
func (s *PostgresStore) GetRiskSettings(ctx context.Context) (*model.RiskSettings, error) {
	var liq, mc, warn, dev string
	var rs model.RiskSettings
	err := s.pool.QueryRow(ctx,
		`SELECT liquidation_level::TEXT, margin_call_level::TEXT, warning_level::TEXT,
		        max_price_deviation::TEXT, updated_at
		 FROM risk_settings WHERE id = 1`).Scan(&liq, &mc, &warn, &dev, &rs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		def := model.DefaultRiskSettings()
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get risk settings: %w", err)
	}
	rs.LiquidationLevel, _ = decimal.NewFromString(liq)
	rs.MarginCallLevel, _ = decimal.NewFromString(mc)
	rs.WarningLevel, _ = decimal.NewFromString(warn)
	rs.MaxPriceDeviation, _ = decimal.NewFromString(dev)
	return &rs, nil
}

func (s *PostgresStore) SaveRiskSettings(ctx context.Context, rs model.RiskSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_settings (id, liquidation_level, margin_call_level, warning_level, max_price_deviation, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET liquidation_level = EXCLUDED.liquidation_level, margin_call_level = EXCLUDED.margin_call_level,
		     warning_level = EXCLUDED.warning_level, max_price_deviation = EXCLUDED.max_price_deviation,
		     updated_at = EXCLUDED.updated_at`,
		rs.LiquidationLevel.String(), rs.MarginCallLevel.String(), rs.WarningLevel.String(), rs.MaxPriceDeviation.String(),
	)
	if err != nil {
		return fmt.Errorf("save risk settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsRestricted(ctx context.Context, userID string) (bool, error) {
	var restricted bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trading_restrictions WHERE user_id = $1)`, userID).Scan(&restricted)
	if err != nil {
		return false, fmt.Errorf("check restriction %s: %w", userID, err)
	}
	return restricted, nil
}

func (s *PostgresStore) SetRestricted(ctx context.Context, userID string, restricted bool) error {
	var err error
	if restricted {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO trading_restrictions (user_id, created_at) VALUES ($1, NOW()) ON CONFLICT (user_id) DO NOTHING`, userID)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM trading_restrictions WHERE user_id = $1`, userID)
	}
	if err != nil {
		return fmt.Errorf("set restriction %s: %w", userID, err)
	}
	return nil
}

// --- Scanning helpers ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// pgxRows is the subset of pgx.Rows the multi-row scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanContest(row rowScanner) (*model.Contest, error) {
	var c model.Contest
	var capital string
	if err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.Status, &capital, &c.MaxLeverage, &c.StartsAt, &c.EndsAt); err != nil {
		return nil, err
	}
	c.StartingCapital, _ = decimal.NewFromString(capital)
	return &c, nil
}

func scanParticipant(row rowScanner) (*model.Participant, error) {
	var p model.Participant
	var starting, current, available, used, realized, unrealized, pnl, pnlPct string
	var avgWin, avgLoss, maxWin, maxLoss string
	if err := row.Scan(&p.ID, &p.ContestID, &p.ContestKind, &p.UserID, &p.Status,
		&starting, &current, &available, &used,
		&realized, &unrealized, &pnl, &pnlPct,
		&p.TotalTrades, &p.WinningTrades, &p.LosingTrades, &p.CurrentOpenPositions,
		&avgWin, &avgLoss, &maxWin, &maxLoss,
		&p.LiquidationReason, &p.LiquidatedAt, &p.UnrealizedUpdatedAt, &p.JoinedAt); err != nil {
		return nil, err
	}
	p.StartingCapital, _ = decimal.NewFromString(starting)
	p.CurrentCapital, _ = decimal.NewFromString(current)
	p.AvailableCapital, _ = decimal.NewFromString(available)
	p.UsedMargin, _ = decimal.NewFromString(used)
	p.RealizedPnl, _ = decimal.NewFromString(realized)
	p.UnrealizedPnl, _ = decimal.NewFromString(unrealized)
	p.Pnl, _ = decimal.NewFromString(pnl)
	p.PnlPercentage, _ = decimal.NewFromString(pnlPct)
	p.AverageWin, _ = decimal.NewFromString(avgWin)
	p.AverageLoss, _ = decimal.NewFromString(avgLoss)
	p.LargestWin, _ = decimal.NewFromString(maxWin)
	p.LargestLoss, _ = decimal.NewFromString(maxLoss)
	return &p, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var qty, entry, margin, realized, realizedPct string
	var tp, sl, exit *string
	var reason string
	if err := row.Scan(&p.ID, &p.ParticipantID, &p.ContestID, &p.UserID, &p.Symbol, &p.Side,
		&qty, &p.Leverage, &entry, &margin,
		&tp, &sl, &p.Status, &reason,
		&exit, &realized, &realizedPct,
		&p.HoldingTimeSeconds, &p.Simulator, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.CloseReason = model.CloseReason(reason)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.MarginUsed, _ = decimal.NewFromString(margin)
	p.RealizedPnl, _ = decimal.NewFromString(realized)
	p.RealizedPnlPercentage, _ = decimal.NewFromString(realizedPct)
	p.TakeProfit = parseDecimalPtr(tp)
	p.StopLoss = parseDecimalPtr(sl)
	p.ExitPrice = parseDecimalPtr(exit)
	return &p, nil
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var qty, price string
		if err := rows.Scan(&o.ID, &o.PositionID, &o.ParticipantID, &o.Symbol, &o.Side,
			&qty, &price, &o.Reason, &o.Detail, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		o.Price, _ = decimal.NewFromString(price)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanTrades(rows pgxRows) ([]model.TradeHistory, error) {
	var out []model.TradeHistory
	for rows.Next() {
		var t model.TradeHistory
		var qty, entry, exit, margin, realized, pct string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.OrderID, &t.ParticipantID, &t.ContestID, &t.UserID,
			&t.Symbol, &t.Side, &qty, &t.Leverage, &entry, &exit, &margin, &realized, &pct,
			&t.CloseReason, &t.HoldingTimeSeconds, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.MarginUsed, _ = decimal.NewFromString(margin)
		t.RealizedPnl, _ = decimal.NewFromString(realized)
		t.PnlPercentage, _ = decimal.NewFromString(pct)
		out = append(out, t)
	}
	return out, rows.Err()
}

func decimalPtr(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}
