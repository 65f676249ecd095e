package journal

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"anomaly_bot/internal/models"
	"anomaly_bot/pkg/db"
)

const createTable = `
CREATE TABLE IF NOT EXISTS bot_events (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT        NOT NULL,
	symbol     TEXT        NOT NULL DEFAULT '',
	side       TEXT        NOT NULL DEFAULT '',
	order_id   TEXT        NOT NULL DEFAULT '',
	price      DOUBLE PRECISION,
	size       DOUBLE PRECISION,
	baseline   DOUBLE PRECISION,
	z_price    DOUBLE PRECISION,
	z_volume   DOUBLE PRECISION,
	reason     TEXT        NOT NULL DEFAULT '',
	error      TEXT        NOT NULL DEFAULT '',
	fields     JSONB,
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bot_events_symbol_at_idx ON bot_events (symbol, at);
`

const insertEvent = `
INSERT INTO bot_events (kind, symbol, side, order_id, price, size, baseline, z_price, z_volume, reason, error, fields, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// Journal аудит всех событий бота в Postgres. Подключается как синк нотификаций.
type Journal struct {
	tx db.TxManager
}

func New(tx db.TxManager) *Journal {
	return &Journal{tx: tx}
}

func (j *Journal) Name() string { return "journal" }

// Migrate создаёт таблицу, если её нет.
func (j *Journal) Migrate(ctx context.Context) error {
	return j.tx.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, createTable)
		return errors.Wrap(err, "create bot_events")
	})
}

func (j *Journal) Send(ctx context.Context, ev models.Event) error {
	var fields []byte
	if len(ev.Fields) > 0 {
		raw, err := sonic.Marshal(ev.Fields)
		if err != nil {
			return errors.Wrap(err, "marshal event fields")
		}
		fields = raw
	}

	return j.tx.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, insertEvent,
			string(ev.Kind),
			ev.Symbol,
			string(ev.Side),
			ev.OrderID,
			nullable(ev.Price),
			nullable(ev.Size),
			nullable(ev.Baseline),
			ev.ZPrice,
			ev.ZVolume,
			ev.Reason,
			ev.Err,
			fields,
			ev.At.UTC(),
		)
		return errors.Wrapf(err, "insert %s event", ev.Kind)
	})
}

func nullable(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
