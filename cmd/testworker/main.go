// Command testworker is a real SQLite-backed subprocess speaking the
// stdio JSON-RPC wire protocol spec §6 defines: it prints the READY
// sentinel once its database connection is open, then reads one
// request per line from stdin and writes one response per line to
// stdout. Grounded on cmd/worker/main.go's flag/signal shape and
// internal/database/db.go's modernc.org/sqlite connection handling
// (from the pack, since the teacher has no SQLite code of its own).
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bc-dunia/sqlitebridge/internal/protocol"
)

func main() {
	dbPath := flag.String("db", ":memory:", "path to the sqlite database file, or :memory:")
	flag.Parse()

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testworker: open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "testworker: ping: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Println("READY")

	w := &worker{db: db}
	reader := bufio.NewReaderSize(os.Stdin, 1<<20)
	out := bufio.NewWriter(os.Stdout)

	for {
		select {
		case <-ctx.Done():
			out.Flush()
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			w.handleLine(ctx, out, line)
			out.Flush()
		}
		if err != nil {
			return
		}
	}
}

type worker struct {
	db *sql.DB
}

func (w *worker) handleLine(ctx context.Context, out *bufio.Writer, line string) {
	req, err := parseRequest(line)
	if err != nil {
		return
	}

	start := time.Now()
	data, rpcErr := w.dispatch(ctx, req)
	elapsed := time.Since(start).Seconds()

	var resp protocol.Response
	resp.JSONRPC = protocol.Version
	resp.ID = req.ID
	if rpcErr != nil {
		resp.Error = &protocol.ErrorEnvelope{
			Code:    -32000,
			Message: rpcErr.Error(),
			Data: protocol.ErrorDataBody{
				ErrorTime: time.Now().UnixMilli(),
				Details:   map[string]interface{}{"remoteType": "SQLiteError"},
			},
		}
	} else {
		resp.Result = &protocol.ResultEnvelope{
			Data: data,
			Meta: protocol.ResultMeta{ExecutionTime: elapsed, Cached: false},
		}
	}

	body, err := json.Marshal(&resp)
	if err != nil {
		return
	}
	out.Write(body)
	out.WriteByte('\n')
}

// wireRequest mirrors protocol.Request's shape but is parsed
// independently so a malformed frame never panics this process.
type wireRequest struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

func parseRequest(line string) (*wireRequest, error) {
	var r wireRequest
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return nil, err
	}
	if r.ID == "" || r.Method == "" {
		return nil, fmt.Errorf("missing id or method")
	}
	return &r, nil
}

func (w *worker) dispatch(ctx context.Context, req *wireRequest) (interface{}, error) {
	switch req.Method {
	case "query":
		return w.query(ctx, req.Params)
	case "execute":
		return w.execute(ctx, req.Params)
	case "transaction":
		return w.transaction(ctx, req.Params)
	case "schema":
		return w.schema(ctx, req.Params)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (w *worker) query(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sqlText, _ := params["sql"].(string)
	args := bindArgs(params["params"])

	rows, err := w.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = raw[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rows": out, "row_count": len(out)}, nil
}

func (w *worker) execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sqlText, _ := params["sql"].(string)
	args := bindArgs(params["params"])

	res, err := w.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return map[string]interface{}{"rows_affected": affected, "last_insert_id": lastID}, nil
}

func (w *worker) transaction(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	isolation, _ := params["isolation"].(string)
	tx, err := w.db.BeginTx(ctx, isolationOpts(isolation))
	if err != nil {
		return nil, err
	}

	ops, _ := params["operations"].([]interface{})
	results := make([]map[string]interface{}, 0, len(ops))
	for _, raw := range ops {
		op, _ := raw.(map[string]interface{})
		sqlText, _ := op["sql"].(string)
		args := bindArgs(op["params"])

		res, err := tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		results = append(results, map[string]interface{}{"rows_affected": affected, "last_insert_id": lastID})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results}, nil
}

func (w *worker) schema(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	table, _ := params["table"].(string)

	var rows *sql.Rows
	var err error
	if table != "" {
		rows, err = w.db.QueryContext(ctx, "SELECT name, sql FROM sqlite_master WHERE type='table' AND name = ?", table)
	} else {
		rows, err = w.db.QueryContext(ctx, "SELECT name, sql FROM sqlite_master WHERE type='table'")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []map[string]interface{}
	for rows.Next() {
		var name, createSQL string
		if err := rows.Scan(&name, &createSQL); err != nil {
			return nil, err
		}
		tables = append(tables, map[string]interface{}{"name": name, "sql": createSQL})
	}
	return map[string]interface{}{"tables": tables}, rows.Err()
}

func bindArgs(raw interface{}) []interface{} {
	list, _ := raw.([]interface{})
	return list
}

func isolationOpts(level string) *sql.TxOptions {
	switch level {
	case "immediate", "exclusive":
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return nil
	}
}
