package events

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/model"
)

// Notifier delivers user-facing notifications. Implementations must not
// block for long; they run on the bus's handler goroutines.
type Notifier interface {
	NotifyLiquidation(ctx context.Context, userID string, positions []model.Position) error
	NotifyStopLossTriggered(ctx context.Context, userID, symbol string, price, pnl decimal.Decimal) error
	NotifyTakeProfitTriggered(ctx context.Context, userID, symbol string, price, pnl decimal.Decimal) error
	NotifyPositionClosed(ctx context.Context, userID string, pos model.Position) error
}

// SubscribeNotifier routes close and liquidation events to n. Individual
// margin-call closes are folded into the single liquidation notice.
func SubscribeNotifier(bus *Bus, n Notifier) {
	bus.Subscribe(PositionClosed, "notifier", func(ctx context.Context, e Event) error {
		if e.Position == nil {
			return nil
		}
		pos := *e.Position
		exit := decimal.Zero
		if pos.ExitPrice != nil {
			exit = *pos.ExitPrice
		}
		switch pos.CloseReason {
		case model.CloseReasonStopLoss:
			return n.NotifyStopLossTriggered(ctx, pos.UserID, pos.Symbol, exit, pos.RealizedPnl)
		case model.CloseReasonTakeProfit:
			return n.NotifyTakeProfitTriggered(ctx, pos.UserID, pos.Symbol, exit, pos.RealizedPnl)
		case model.CloseReasonMarginCall:
			return nil
		default:
			return n.NotifyPositionClosed(ctx, pos.UserID, pos)
		}
	})
	bus.Subscribe(ParticipantLiquidated, "notifier", func(ctx context.Context, e Event) error {
		return n.NotifyLiquidation(ctx, e.UserID(), e.Positions)
	})
}

// LogNotifier writes notifications to the log. Delivery channels (push,
// email) live outside this service and consume the Kafka stream.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) NotifyLiquidation(_ context.Context, userID string, positions []model.Position) error {
	n.log.Info("liquidation", zap.String("user_id", userID), zap.Int("positions", len(positions)))
	return nil
}

func (n *LogNotifier) NotifyStopLossTriggered(_ context.Context, userID, symbol string, price, pnl decimal.Decimal) error {
	n.log.Info("stop loss triggered",
		zap.String("user_id", userID), zap.String("symbol", symbol),
		zap.String("price", price.String()), zap.String("pnl", pnl.String()))
	return nil
}

func (n *LogNotifier) NotifyTakeProfitTriggered(_ context.Context, userID, symbol string, price, pnl decimal.Decimal) error {
	n.log.Info("take profit triggered",
		zap.String("user_id", userID), zap.String("symbol", symbol),
		zap.String("price", price.String()), zap.String("pnl", pnl.String()))
	return nil
}

func (n *LogNotifier) NotifyPositionClosed(_ context.Context, userID string, pos model.Position) error {
	n.log.Info("position closed",
		zap.String("user_id", userID), zap.String("position_id", pos.ID),
		zap.String("reason", string(pos.CloseReason)), zap.String("pnl", pos.RealizedPnl.String()))
	return nil
}
