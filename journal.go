// FILE: journal.go
// Package main – sqlite audit journal and trade-history export.
//
// Tables:
//   decisions – every gate decision and its outcome
//   fills     – entry fills (paper and live)
//   exits     – monitor exit/ladder actions
//
// The journal is audit-only: nothing reads it back for recovery or
// idempotence. A nil *Journal is valid and records nothing, so JOURNAL_DB=""
// simply disables it. Write errors are logged, never returned into the
// trading path.
package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"
)

// DecisionRecord is one row of the decisions table.
type DecisionRecord struct {
	At         time.Time
	Action     string
	AccountID  string
	Instrument string
	Units      float64
	TradeID    string
	Mode       string
	Allowed    bool
	Reason     string
	Outcome    string
	Error      string
}

// ExitRecord is one monitor action.
type ExitRecord struct {
	At         time.Time
	AccountID  string
	TradeID    string
	Instrument string
	Units      float64
	Reason     string
	MovePct    float64
	Success    bool
	Error      string
}

// HistoryRow is the export shape shared by fills and exits.
type HistoryRow struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"` // fill | exit
	AccountID  string    `json:"account_id"`
	TradeID    string    `json:"trade_id"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side,omitempty"`
	Units      float64   `json:"units"`
	Price      float64   `json:"price,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Simulated  bool      `json:"simulated"`
	Success    bool      `json:"success"`
}

type Journal struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenJournal opens (or creates) the sqlite file at path. ":memory:" works
// for tests; the pool is pinned to one connection so it stays one database.
func OpenJournal(path string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, log: log}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            at TEXT NOT NULL,
            action TEXT NOT NULL,
            account TEXT NOT NULL,
            instrument TEXT NOT NULL,
            units REAL NOT NULL,
            trade_id TEXT NOT NULL DEFAULT '',
            mode TEXT NOT NULL,
            allowed INTEGER NOT NULL,
            reason TEXT NOT NULL,
            outcome TEXT NOT NULL,
            error TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS fills (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            at TEXT NOT NULL,
            order_id TEXT NOT NULL,
            trade_id TEXT NOT NULL,
            account TEXT NOT NULL,
            instrument TEXT NOT NULL,
            side TEXT NOT NULL,
            units REAL NOT NULL,
            price REAL NOT NULL,
            stop_loss REAL NOT NULL,
            take_profit REAL NOT NULL,
            simulated INTEGER NOT NULL,
            strategy TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS exits (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            at TEXT NOT NULL,
            account TEXT NOT NULL,
            trade_id TEXT NOT NULL,
            instrument TEXT NOT NULL,
            units REAL NOT NULL,
            reason TEXT NOT NULL,
            move_pct REAL NOT NULL,
            success INTEGER NOT NULL,
            error TEXT NOT NULL DEFAULT ''
        );`,
	}
	for _, s := range stmts {
		if _, err := j.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// journalTime is fixed-width so text comparison in SQL orders correctly.
const journalTime = "2006-01-02T15:04:05.000000000Z"

func tsText(t time.Time) string { return t.UTC().Format(journalTime) }

func (j *Journal) exec(table, q string, args ...any) {
	if _, err := j.db.Exec(q, args...); err != nil {
		j.log.Warn("[JOURNAL] write failed", zap.String("table", table), zap.Error(err))
	}
}

func (j *Journal) RecordDecision(r DecisionRecord) {
	if j == nil {
		return
	}
	j.exec("decisions",
		`INSERT INTO decisions(at,action,account,instrument,units,trade_id,mode,allowed,reason,outcome,error)
         VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		tsText(r.At), r.Action, r.AccountID, r.Instrument, r.Units, r.TradeID, r.Mode, r.Allowed, r.Reason, r.Outcome, r.Error)
}

func (j *Journal) RecordFill(f Fill, strategy string) {
	if j == nil {
		return
	}
	j.exec("fills",
		`INSERT INTO fills(at,order_id,trade_id,account,instrument,side,units,price,stop_loss,take_profit,simulated,strategy)
         VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		tsText(f.CreateTime), f.OrderID, f.TradeID, f.AccountID, f.Instrument, string(f.Side), f.Units, f.Price, f.StopLoss, f.TakeProfit, f.Simulated, strategy)
}

func (j *Journal) RecordExit(r ExitRecord) {
	if j == nil {
		return
	}
	j.exec("exits",
		`INSERT INTO exits(at,account,trade_id,instrument,units,reason,move_pct,success,error)
         VALUES(?,?,?,?,?,?,?,?,?)`,
		tsText(r.At), r.AccountID, r.TradeID, r.Instrument, r.Units, r.Reason, r.MovePct, r.Success, r.Error)
}

// CountDecisions returns the number of decision rows (status command, tests).
func (j *Journal) CountDecisions(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT count(*) FROM decisions`).Scan(&n)
	return n, err
}

// History returns fills and exits at or after since, oldest first.
func (j *Journal) History(ctx context.Context, since time.Time) ([]HistoryRow, error) {
	rows, err := j.db.QueryContext(ctx, `
        SELECT at, 'fill', account, trade_id, instrument, side, units, price, '', simulated, 1 FROM fills WHERE at >= ?
        UNION ALL
        SELECT at, 'exit', account, trade_id, instrument, '', units, 0, reason, 0, success FROM exits WHERE at >= ?
        ORDER BY 1`, tsText(since), tsText(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			r  HistoryRow
			at string
		)
		if err := rows.Scan(&at, &r.Kind, &r.AccountID, &r.TradeID, &r.Instrument, &r.Side, &r.Units, &r.Price, &r.Reason, &r.Simulated, &r.Success); err != nil {
			return nil, err
		}
		r.Time, err = time.Parse(journalTime, at)
		if err != nil {
			return nil, fmt.Errorf("journal time %q: %w", at, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Export writes the trade history as "json" (indented) or "csv".
func (j *Journal) Export(ctx context.Context, w io.Writer, format string, since time.Time) error {
	rows, err := j.History(ctx, since)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		if rows == nil {
			rows = []HistoryRow{}
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		_, err = w.Write(pretty.Pretty(raw))
		return err
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"time", "kind", "account_id", "trade_id", "instrument", "side", "units", "price", "reason", "simulated", "success"})
		for _, r := range rows {
			_ = cw.Write([]string{
				tsText(r.Time), r.Kind, r.AccountID, r.TradeID, r.Instrument, r.Side,
				strconv.FormatFloat(r.Units, 'f', -1, 64),
				strconv.FormatFloat(r.Price, 'f', -1, 64),
				r.Reason, strconv.FormatBool(r.Simulated), strconv.FormatBool(r.Success),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unknown export format %q (want json or csv)", format)
	}
}
