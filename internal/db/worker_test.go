package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/anpopa/tkmcollector/internal/logging"
	"github.com/anpopa/tkmcollector/internal/model"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	w := &Worker{opts: NewGenerator(SQLite), db: sqlDB, log: logging.New("db-test")}
	what, _ := w.initDatabase(true)
	require.Equal(t, model.StatusOK, what)
	return w
}

func TestE1InitAddListDevices(t *testing.T) {
	w := newTestWorker(t)

	what, reason := w.addDevice("dev1", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusOK, what)
	require.Equal(t, "Device added", reason)

	devices, err := w.GetDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "dev1", devices[0].Name)
	require.EqualValues(t, 3357, devices[0].Port)
	require.Equal(t, deviceHash("127.0.0.1", 3357), devices[0].Hash)
	require.Equal(t, model.StateLoaded, devices[0].State)
}

func TestE2DuplicateHash(t *testing.T) {
	w := newTestWorker(t)

	what, _ := w.addDevice("dev1", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusOK, what)

	what, reason := w.addDevice("dev1b", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusError, what)
	require.Equal(t, "Device already exists", reason)

	what, reason = w.addDevice("dev1b", "127.0.0.1", "3357", true)
	require.Equal(t, model.StatusOK, what)
	require.Equal(t, "Device added", reason)

	devices, err := w.GetDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "dev1b", devices[0].Name)
}

func TestAddRemoveDeviceIdempotence(t *testing.T) {
	w := newTestWorker(t)

	what, _ := w.addDevice("dev1", "10.0.0.1", "22", false)
	require.Equal(t, model.StatusOK, what)
	hash := deviceHash("10.0.0.1", 22)

	what, _ = w.removeDevice(hash)
	require.Equal(t, model.StatusOK, what)

	what, reason := w.removeDevice(hash)
	require.Equal(t, model.StatusError, what)
	require.Equal(t, "No such device", reason)
}

func TestSessionLifecycleAndCollision(t *testing.T) {
	w := newTestWorker(t)

	what, _ := w.addDevice("dev1", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusOK, what)
	hash := deviceHash("127.0.0.1", 3357)

	what, _ = w.addSession(hash, model.Session{Hash: "S1", Name: "Collector.100.1"})
	require.Equal(t, model.StatusOK, what)

	sessions, err := w.GetSessions(hash)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "S1", sessions[0].Hash)
	require.True(t, sessions[0].Open())

	what, _ = w.endSession("S1")
	require.Equal(t, model.StatusOK, what)

	sessions, err = w.GetSessions(hash)
	require.NoError(t, err)
	require.False(t, sessions[0].Open())

	// Collision: same hash "S1" arrives again; the prior row must be
	// reclaimed, leaving exactly one row for that hash.
	what, _ = w.addSession(hash, model.Session{Hash: "S1", Name: "Collector.100.2"})
	require.Equal(t, model.StatusOK, what)

	sessions, err = w.GetSessions(hash)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "Collector.100.2", sessions[0].Name)
}

func TestCleanSessionsClosesDangling(t *testing.T) {
	w := newTestWorker(t)

	what, _ := w.addDevice("dev1", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusOK, what)
	hash := deviceHash("127.0.0.1", 3357)

	what, _ = w.addSession(hash, model.Session{Hash: "S1", Name: "Collector.1.1"})
	require.Equal(t, model.StatusOK, what)
	what, _ = w.addSession(hash, model.Session{Hash: "S2", Name: "Collector.1.2"})
	require.Equal(t, model.StatusOK, what)

	what, _ = w.cleanSessions()
	require.Equal(t, model.StatusOK, what)

	sessions, err := w.GetSessions(hash)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		require.False(t, s.Open())
	}
}

func TestAddDataRequiresOpenSession(t *testing.T) {
	w := newTestWorker(t)

	what, _ := w.addDevice("dev1", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusOK, what)
	hash := deviceHash("127.0.0.1", 3357)

	what, reason := w.addData(hash, DataRow{Kind: "SysProcMeminfo", Fields: map[string]string{"MemTotal": "1024"}})
	require.Equal(t, model.StatusError, what)
	require.Equal(t, "No open session for hash", reason)

	what, _ = w.addSession(hash, model.Session{Hash: "S1", Name: "Collector.1.1"})
	require.Equal(t, model.StatusOK, what)

	what, reason = w.addData("S1", DataRow{Kind: "SysProcMeminfo", Fields: map[string]string{"MemTotal": "1024"}})
	require.Equal(t, model.StatusOK, what)
	require.Equal(t, "Data stored", reason)
}

func TestAddDataExpandsSysProcStatPerCore(t *testing.T) {
	w := newTestWorker(t)

	what, _ := w.addDevice("dev1", "127.0.0.1", "3357", false)
	require.Equal(t, model.StatusOK, what)
	hash := deviceHash("127.0.0.1", 3357)
	what, _ = w.addSession(hash, model.Session{Hash: "S1", Name: "Collector.1.1"})
	require.Equal(t, model.StatusOK, what)

	what, _ = w.addData("S1", DataRow{
		Kind:   "SysProcStat",
		Fields: map[string]string{"All": "10"},
		PerCore: []map[string]string{
			{"CPUId": "0", "All": "5"},
			{"CPUId": "1", "All": "5"},
		},
	})
	require.Equal(t, model.StatusOK, what)

	var count int
	require.NoError(t, w.db.QueryRow("SELECT COUNT(*) FROM " + TableSysProcStat).Scan(&count))
	require.Equal(t, 3, count)
}

func TestGeneratorProducesBothBackendShapes(t *testing.T) {
	sqliteGen := NewGenerator(SQLite)
	pgGen := NewGenerator(PostgreSQL)

	table := devicesTable()
	sqliteDDL := sqliteGen.CreateTableStatement(table)
	pgDDL := pgGen.CreateTableStatement(table)

	require.Contains(t, sqliteDDL, "AUTOINCREMENT")
	require.Contains(t, pgDDL, "SERIAL")
	require.Equal(t, "?", sqliteGen.Placeholder(1))
	require.Equal(t, "$1", pgGen.Placeholder(1))
	require.Equal(t, "IS", sqliteGen.HashOperator())
	require.Equal(t, "LIKE", pgGen.HashOperator())
}
