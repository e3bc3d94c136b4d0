package rsql

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Connect returns a mysql connection pool for the dsn, ex.
// "user:pass@tcp(localhost:3306)/txrelay". Time columns are parsed as UTC.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "mysql connector")
	}

	dbc := sql.OpenDB(connector)
	if err := dbc.PingContext(ctx); err != nil {
		_ = dbc.Close()
		return nil, errors.Wrap(err, "ping mysql", j.KS("addr", cfg.Addr))
	}
	return dbc, nil
}

func getCursor(ctx context.Context, dbc *sql.DB, schema ctableSchema, id string) (string, time.Time, error) {
	var cursor uint64
	var ts time.Time
	err := dbc.QueryRowContext(ctx, "select "+schema.cursorField+","+schema.timefield+
		" from "+schema.name+" where "+schema.idField+"=?", id).Scan(&cursor, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	} else if err != nil {
		return "", time.Time{}, errors.Wrap(err, "query cursor error")
	}
	return strconv.FormatUint(cursor, 10), ts, nil
}

// setCursor sets the relay's cursor to the provided version. Setting the
// current cursor is a no-op while setting a lower one fails.
func setCursor(ctx context.Context, dbc *sql.DB, schema ctableSchema,
	id string, cursor string,
) error {
	opts := []errors.Option{j.KS("relay", id), j.KS("cursor", cursor)}

	c, err := parseCursor(cursor)
	if err != nil {
		return err
	}

	res, err := dbc.ExecContext(ctx, "update "+schema.name+
		" set "+schema.cursorField+"=?, "+schema.timefield+"=now() where "+schema.idField+"=?"+
		" and "+schema.cursorField+"<?",
		c, id, c)
	if err != nil {
		return errors.Wrap(err, "set cursor error", opts...)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected error", opts...)
	} else if rows > 1 {
		return errors.New("invalid rows affected error", opts...)
	} else if rows == 1 {
		return nil
	}

	// Insert since rows == 0
	_, err = dbc.ExecContext(ctx, "insert into "+schema.name+" set "+schema.idField+"=?, "+
		schema.cursorField+"=?, "+schema.timefield+"=now()", id, c)
	if isMySQLErrDupEntry(err) {
		existing, updatedAt, getErr := getCursor(ctx, dbc, schema, id)
		if getErr != nil {
			return errors.Wrap(err, "insert cursor error", opts...)
		} else if existing == cursor {
			return nil
		}
		opts = append(opts, j.MKV{"existing": existing, "updated_at": updatedAt})
		return errors.Wrap(ErrCursorRegressed, "", opts...)
	} else if err != nil {
		return errors.Wrap(err, "insert cursor error", opts...)
	}

	return nil
}

func parseCursor(cursor string) (uint64, error) {
	c, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidCursor, "", j.KS("cursor", cursor))
	}
	return c, nil
}

func isMySQLErrDupEntry(err error) bool {
	return isMySQLErr(err, 1062)
}

// See https://dev.mysql.com/doc/refman/5.6/en/error-messages-server.html#error_er_dup_entry
func isMySQLErr(err error, nums ...uint16) bool {
	if err == nil {
		return false
	}

	me := new(mysql.MySQLError)
	if !errors.As(err, &me) {
		return false
	}

	for _, num := range nums {
		if me.Number == num {
			return true
		}
	}
	return false
}
