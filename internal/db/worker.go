package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sirupsen/logrus"

	"github.com/anpopa/tkmcollector/internal/config"
	"github.com/anpopa/tkmcollector/internal/eventloop"
	"github.com/anpopa/tkmcollector/internal/logging"
	"github.com/anpopa/tkmcollector/internal/metrics"
	"github.com/anpopa/tkmcollector/internal/model"
)

// Reply is how the worker answers a request once its side effects are
// complete; the dispatcher supplies one per enqueued request so the
// eventual Status envelope can be written back to the originating
// control client.
type Reply func(what model.StatusWhat, reason string)

// job pairs one DatabaseRequest with the Reply that must fire once it
// is handled, preserving per-database enqueue ordering as required by
// the specification's concurrency model.
type job struct {
	req   model.DatabaseRequest
	reply Reply
}

// Worker owns the single backend connection. Every request passed to
// Enqueue is handled on the event loop's goroutine, one at a time in
// enqueue order. LoadDevices, GetDevices and GetSessions are direct
// methods and run their queries on the caller's goroutine instead.
type Worker struct {
	opts *Generator
	db   *sql.DB
	log  *logrus.Entry

	queue *eventloop.AsyncQueue[job]
}

// New opens the configured backend and returns a Worker whose Enqueue
// method is the entry point for every request action.
func New(loop *eventloop.Loop, opts config.Options) (*Worker, error) {
	var driver, dsn string
	var backend Backend

	switch opts.DatabaseType {
	case config.DatabaseSQLite:
		// _foreign_keys=on is mattn/go-sqlite3's per-connection DSN
		// switch for PRAGMA foreign_keys; SQLite enforces no FK
		// constraint by default, which would silently defeat the
		// ON DELETE CASCADE declared in schema.go.
		driver, dsn, backend = "sqlite3", opts.DBFilePath+"?_foreign_keys=on", SQLite
	case config.DatabasePostgreSQL:
		driver = "pgx"
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s", opts.DBUserName, opts.DBUserPassword, opts.DBServerAddress, opts.DBServerPort, opts.DBName)
		backend = PostgreSQL
	default:
		return nil, fmt.Errorf("db: unknown backend %q", opts.DatabaseType)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", opts.DatabaseType, err)
	}

	w := &Worker{
		opts: NewGenerator(backend),
		db:   sqlDB,
		log:  logging.New("db"),
	}
	w.queue = eventloop.NewAsyncQueue[job](loop, "db-worker", eventloop.Normal, 256, w.handle)
	return w, nil
}

// Enqueue schedules req for handling on the worker's own goroutine and
// calls reply once it completes.
func (w *Worker) Enqueue(req model.DatabaseRequest, reply Reply) {
	w.queue.Push(job{req: req, reply: reply})
}

func (w *Worker) handle(j job) {
	metrics.QueueDepth.WithLabelValues("db").Set(float64(w.queue.Len()))
	what, reason := w.dispatch(j.req)
	if j.reply != nil {
		j.reply(what, reason)
	}
}

func (w *Worker) dispatch(req model.DatabaseRequest) (model.StatusWhat, string) {
	switch req.GetAction() {
	case model.ActionCheckDatabase:
		return w.checkDatabase()
	case model.ActionInitDatabase:
		forced := req.GetArgs()["Forced"] == "true"
		return w.initDatabase(forced)
	case model.ActionConnect:
		return w.connect()
	case model.ActionDisconnect:
		return w.disconnect()
	case model.ActionAddDevice:
		args := req.GetArgs()
		return w.addDevice(args["name"], args["address"], args["port"], args["Forced"] == "true")
	case model.ActionRemoveDevice:
		return w.removeDevice(req.DeviceHash)
	case model.ActionAddSession:
		info, _ := req.GetBulk().(model.Session)
		return w.addSession(req.DeviceHash, info)
	case model.ActionRemSession:
		return w.remSession(req.SessionHash)
	case model.ActionEndSession:
		return w.endSession(req.SessionHash)
	case model.ActionCleanSessions:
		return w.cleanSessions()
	case model.ActionAddData:
		data, _ := req.GetBulk().(DataRow)
		return w.addData(req.SessionHash, data)
	default:
		w.log.WithField("action", req.GetAction()).Warn("unrecognised database action, dropping")
		return model.StatusError, "Unknown action"
	}
}

func (w *Worker) checkDatabase() (model.StatusWhat, string) {
	if err := w.db.Ping(); err != nil {
		return model.StatusError, err.Error()
	}
	return model.StatusOK, "Database reachable"
}

func (w *Worker) connect() (model.StatusWhat, string) {
	return w.checkDatabase()
}

func (w *Worker) disconnect() (model.StatusWhat, string) {
	if err := w.db.Close(); err != nil {
		return model.StatusError, err.Error()
	}
	return model.StatusOK, "Disconnected"
}

// initDatabase creates every table in the fixed schema; Forced drops
// them all first, per the specification's InitDatabase semantics.
func (w *Worker) initDatabase(forced bool) (model.StatusWhat, string) {
	tables := allTables()
	if forced {
		// Drop in reverse order so foreign-key children go first.
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := w.db.Exec(w.opts.DropTableStatement(tables[i])); err != nil {
				return model.StatusError, fmt.Sprintf("drop %s: %s", tables[i].Name, err)
			}
		}
	}
	for _, t := range tables {
		if _, err := w.db.Exec(w.opts.CreateTableStatement(t)); err != nil {
			return model.StatusError, fmt.Sprintf("create %s: %s", t.Name, err)
		}
	}
	return model.StatusOK, "Database initialized"
}

// LoadDevices reads every device row for device-manager bootstrap. It
// is a direct method rather than a Dispatch action because its result
// (the full row set) must flow back into the device manager, not just
// a Status — cmd/tkmcollectord calls it once at startup, before the
// control server begins serving control clients.
func (w *Worker) LoadDevices() ([]model.Device, error) {
	rows, err := w.db.Query(fmt.Sprintf("SELECT Id, Hash, Name, Address, Port FROM %s", TableDevices))
	if err != nil {
		return nil, fmt.Errorf("db: load devices: %w", err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var d model.Device
		var port int
		if err := rows.Scan(&d.ID, &d.Hash, &d.Name, &d.Address, &port); err != nil {
			return nil, fmt.Errorf("db: scan device: %w", err)
		}
		d.Port = uint16(port)
		d.State = model.StateLoaded
		out = append(out, d)
	}
	return out, rows.Err()
}

func (w *Worker) addDevice(name, address, portStr string, forced bool) (model.StatusWhat, string) {
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return model.StatusError, "Invalid port"
	}
	hash := deviceHash(address, uint16(port))

	var exists int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE Hash %s %s", TableDevices, w.opts.HashOperator(), w.opts.Placeholder(1))
	if err := w.db.QueryRow(q, hash).Scan(&exists); err != nil {
		return model.StatusError, err.Error()
	}

	if exists > 0 {
		if !forced {
			return model.StatusError, "Device already exists"
		}
		del := fmt.Sprintf("DELETE FROM %s WHERE Hash %s %s", TableDevices, w.opts.HashOperator(), w.opts.Placeholder(1))
		if _, err := w.db.Exec(del, hash); err != nil {
			return model.StatusError, err.Error()
		}
	}

	ins := w.opts.InsertStatement(devicesTable(), []string{"Hash", "Name", "Address", "Port"})
	if _, err := w.db.Exec(ins, hash, name, address, port); err != nil {
		return model.StatusError, err.Error()
	}
	return model.StatusOK, "Device added"
}

func (w *Worker) removeDevice(hash string) (model.StatusWhat, string) {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE Hash %s %s", TableDevices, w.opts.HashOperator(), w.opts.Placeholder(1))
	var exists int
	if err := w.db.QueryRow(q, hash).Scan(&exists); err != nil {
		return model.StatusError, err.Error()
	}
	if exists == 0 {
		return model.StatusError, "No such device"
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE Hash %s %s", TableDevices, w.opts.HashOperator(), w.opts.Placeholder(1))
	if _, err := w.db.Exec(del, hash); err != nil {
		return model.StatusError, err.Error()
	}
	return model.StatusOK, "Device removed"
}

// GetDevices returns every device row, for the control-plane
// GetDevices action.
func (w *Worker) GetDevices() ([]model.Device, error) {
	return w.LoadDevices()
}

// GetSessions returns every session row for the device identified by
// hash.
func (w *Worker) GetSessions(deviceHash string) ([]model.Session, error) {
	q := fmt.Sprintf(`SELECT s.Id, s.Hash, s.Name, s.StartTimestamp, s.EndTimestamp, s.Device
		FROM %s s JOIN %s d ON s.Device = d.Id
		WHERE d.Hash %s %s`, TableSessions, TableDevices, w.opts.HashOperator(), w.opts.Placeholder(1))
	rows, err := w.db.Query(q, deviceHash)
	if err != nil {
		return nil, fmt.Errorf("db: get sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.Hash, &s.Name, &s.Started, &s.Ended, &s.DeviceID); err != nil {
			return nil, fmt.Errorf("db: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// addSession persists a new session for deviceHash, reclaiming any
// prior row with the same agent-supplied hash (session-hash collision,
// see SPEC_FULL.md/DESIGN.md's Open Question resolution: reclaim, but
// warn loudly).
func (w *Worker) addSession(deviceHash string, s model.Session) (model.StatusWhat, string) {
	var deviceID int64
	q := fmt.Sprintf("SELECT Id FROM %s WHERE Hash %s %s", TableDevices, w.opts.HashOperator(), w.opts.Placeholder(1))
	if err := w.db.QueryRow(q, deviceHash).Scan(&deviceID); err != nil {
		return model.StatusError, "No such device"
	}

	var collidingID int64
	check := fmt.Sprintf("SELECT Id FROM %s WHERE Hash %s %s", TableSessions, w.opts.HashOperator(), w.opts.Placeholder(1))
	if err := w.db.QueryRow(check, s.Hash).Scan(&collidingID); err == nil {
		w.log.WithFields(logrus.Fields{
			"session_hash": s.Hash,
			"device_hash":  deviceHash,
		}).Warn("session hash collision: deleting prior session and its data via cascade")
		del := fmt.Sprintf("DELETE FROM %s WHERE Id %s %s", TableSessions, "=", w.opts.Placeholder(1))
		if _, err := w.db.Exec(del, collidingID); err != nil {
			return model.StatusError, err.Error()
		}
	}

	ins := w.opts.InsertStatement(sessionsTable(), []string{"Hash", "Name", "StartTimestamp", "EndTimestamp", "Device"})
	if _, err := w.db.Exec(ins, s.Hash, s.Name, time.Now().Unix(), 0, deviceID); err != nil {
		return model.StatusError, err.Error()
	}
	metrics.SessionsOpenTotal.Inc()
	return model.StatusOK, "Session added"
}

func (w *Worker) remSession(sessionHash string) (model.StatusWhat, string) {
	del := fmt.Sprintf("DELETE FROM %s WHERE Hash %s %s", TableSessions, w.opts.HashOperator(), w.opts.Placeholder(1))
	if _, err := w.db.Exec(del, sessionHash); err != nil {
		return model.StatusError, err.Error()
	}
	return model.StatusOK, "Session removed"
}

func (w *Worker) endSession(sessionHash string) (model.StatusWhat, string) {
	upd := fmt.Sprintf("UPDATE %s SET EndTimestamp = %s WHERE Hash %s %s AND EndTimestamp = 0",
		TableSessions, w.opts.Placeholder(1), w.opts.HashOperator(), w.opts.Placeholder(2))
	res, err := w.db.Exec(upd, time.Now().Unix(), sessionHash)
	if err != nil {
		return model.StatusError, err.Error()
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.SessionsOpenTotal.Dec()
	}
	return model.StatusOK, "Session ended"
}

// cleanSessions recovers from an abrupt prior shutdown: every session
// left with EndTimestamp == 0 is stamped closed.
func (w *Worker) cleanSessions() (model.StatusWhat, string) {
	now := time.Now().Unix()
	upd := fmt.Sprintf("UPDATE %s SET EndTimestamp = %s WHERE EndTimestamp = 0", TableSessions, w.opts.Placeholder(1))
	res, err := w.db.Exec(upd, now)
	if err != nil {
		return model.StatusError, err.Error()
	}
	n, _ := res.RowsAffected()
	w.log.WithField("closed", n).Info("closed dangling sessions from previous run")
	return model.StatusOK, fmt.Sprintf("Closed %d dangling sessions", n)
}

// DataRow is the decoded, routable shape of one inbound measurement,
// built by the device worker from an envelope.Data payload before
// enqueueing ActionAddData.
type DataRow struct {
	Kind          string
	SystemTime    int64
	MonotonicTime int64
	ReceiveTime   int64
	Fields        map[string]string
	// PerCore holds one extra row per core for SysProcStat payloads,
	// in addition to the aggregate row in Fields.
	PerCore []map[string]string
}

// addData routes a decoded payload to its table by Kind. SysProcStat
// additionally expands into one row per per-core entry, alongside the
// aggregate row, per the specification's AddData note.
func (w *Worker) addData(sessionHash string, d DataRow) (model.StatusWhat, string) {
	table, ok := dataTableByKind(d.Kind)
	if !ok {
		return model.StatusError, fmt.Sprintf("Unknown data kind %q", d.Kind)
	}

	var sessionID int64
	q := fmt.Sprintf("SELECT Id FROM %s WHERE Hash %s %s AND EndTimestamp = 0", TableSessions, w.opts.HashOperator(), w.opts.Placeholder(1))
	if err := w.db.QueryRow(q, sessionHash).Scan(&sessionID); err != nil {
		return model.StatusError, "No open session for hash"
	}

	if err := w.insertDataRow(table, sessionID, d.SystemTime, d.MonotonicTime, d.ReceiveTime, d.Fields); err != nil {
		return model.StatusError, err.Error()
	}
	metrics.DataRowsTotal.WithLabelValues(d.Kind).Inc()

	for _, core := range d.PerCore {
		if err := w.insertDataRow(table, sessionID, d.SystemTime, d.MonotonicTime, d.ReceiveTime, core); err != nil {
			return model.StatusError, err.Error()
		}
		metrics.DataRowsTotal.WithLabelValues(d.Kind).Inc()
	}

	return model.StatusOK, "Data stored"
}

func (w *Worker) insertDataRow(table Table, sessionID, systemTime, monotonicTime, receiveTime int64, fields map[string]string) error {
	columns := []string{"SessionId", "SystemTime", "MonotonicTime", "ReceiveTime"}
	values := []interface{}{sessionID, systemTime, monotonicTime, receiveTime}
	for _, col := range table.Columns {
		if col.PrimaryKey || col.Name == "SessionId" || col.Name == "SystemTime" || col.Name == "MonotonicTime" || col.Name == "ReceiveTime" {
			continue
		}
		if v, ok := fields[col.Name]; ok {
			columns = append(columns, col.Name)
			values = append(values, v)
		}
	}
	_, err := w.db.Exec(w.opts.InsertStatement(table, columns), values...)
	return err
}
