package logger

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// ErrNoDatabase is returned by the log queries when no DBPath was configured.
var ErrNoDatabase = errors.New("database logging not initialized")

// NodeField is the entry field the database hook files under its own column,
// so the log of a single node can be queried directly.
const NodeField = "nodeID"

const logsSchema = `
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	level TEXT NOT NULL,
	node_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	caller TEXT,
	fields TEXT
);
CREATE INDEX IF NOT EXISTS logs_node_id ON logs (node_id)`

// DatabaseHook mirrors every entry into a SQLite logs table.
type DatabaseHook struct {
	db *sql.DB
}

func NewDatabaseHook(dbPath string) (*DatabaseHook, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(path.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(logsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create logs table: %w", err)
	}

	return &DatabaseHook{db: db}, nil
}

func (hook *DatabaseHook) Fire(entry *logrus.Entry) error {
	var caller string
	if entry.HasCaller() {
		caller = fmt.Sprintf("%s:%d", path.Base(entry.Caller.File), entry.Caller.Line)
	}

	nodeID, _ := entry.Data[NodeField].(string)
	_, err := hook.db.Exec(
		"INSERT INTO logs (timestamp, level, node_id, message, caller, fields) VALUES (?, ?, ?, ?, ?, ?)",
		entry.Time,
		entry.Level.String(),
		nodeID,
		entry.Message,
		caller,
		formatFields(entry.Data),
	)
	return err
}

func (hook *DatabaseHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *DatabaseHook) Close() error {
	return hook.db.Close()
}

// ConsoleFilter filters logs for console output (only important messages)
type ConsoleFilter struct {
	writer io.Writer
}

// NewConsoleFilter creates a new console filter
func NewConsoleFilter(writer io.Writer) *ConsoleFilter {
	return &ConsoleFilter{writer: writer}
}

var consoleKeywords = []string{
	"created",
	"started",
	"stopped",
	"appended",
	"corrupted",
	"rewritten",
	"synced",
	"consensus",
	"checkpoint",
}

// Write filters messages and only writes important ones to console
func (cf *ConsoleFilter) Write(p []byte) (n int, err error) {
	logLine := string(p)

	if strings.Contains(logLine, "[ERROR]") ||
		strings.Contains(logLine, "[FATAL]") ||
		strings.Contains(logLine, "[PANIC]") ||
		strings.Contains(logLine, "[WARNING]") {
		return cf.writer.Write(p)
	}

	if strings.Contains(logLine, "[INFO]") {
		lower := strings.ToLower(logLine)
		for _, keyword := range consoleKeywords {
			if strings.Contains(lower, keyword) {
				return cf.writer.Write(p)
			}
		}
	}

	// Report the full length so logrus does not treat the drop as a short write
	return len(p), nil
}

// Log4jFormatter Custom log4j-like formatter
type Log4jFormatter struct{}

func (f *Log4jFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fileName string
	var pkgName string
	var funcName string
	var lineNum int

	if entry.HasCaller() {
		fileName = path.Base(entry.Caller.File)
		pkgName, funcName = splitFunctionName(entry.Caller.Function)
		lineNum = entry.Caller.Line
	}

	// Format: YYYY-MM-DD HH:mm:ss.SSS [LEVEL] package.func(File:Line) - message
	logLine := fmt.Sprintf("%s [%s] %s.%s(%s:%d) - %s",
		entry.Time.Format("2006-01-02 15:04:05.000"),
		strings.ToUpper(entry.Level.String()),
		pkgName,
		funcName,
		fileName,
		lineNum,
		entry.Message,
	)

	if len(entry.Data) > 0 {
		logLine += " {" + formatFields(entry.Data) + "}"
	}

	return []byte(logLine + "\n"), nil
}

// splitFunctionName turns "pow-ledger/ledger.(*Ledger).Append" into
// ("ledger", "(*Ledger).Append").
func splitFunctionName(function string) (string, string) {
	if idx := strings.LastIndex(function, "/"); idx >= 0 {
		function = function[idx+1:]
	}
	if idx := strings.Index(function, "."); idx >= 0 {
		return function[:idx], function[idx+1:]
	}
	return "main", function
}

func formatFields(data logrus.Fields) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, ", ")
}

// Logger is an alias for the global logger instance
var Logger = logrus.New()

var (
	hookMutex sync.Mutex
	// Global database hook for querying
	dbHook     *DatabaseHook
	fileWriter *lumberjack.Logger
)

// Options controls where the global logger writes.
type Options struct {
	Level string
	// File enables a rotating log file when set.
	File string
	// DBPath enables the SQLite hook when set.
	DBPath string
	// ConsoleFilter drops unimportant lines from stdout.
	ConsoleFilter bool
}

// Configure applies opts to the global Logger. It can be called more than once;
// previously opened log sinks are closed.
func Configure(opts Options) error {
	hookMutex.Lock()
	defer hookMutex.Unlock()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	closeSinks()
	Logger.ReplaceHooks(make(logrus.LevelHooks))

	var console io.Writer = os.Stdout
	if opts.ConsoleFilter {
		console = NewConsoleFilter(os.Stdout)
	}
	writers := []io.Writer{console}

	if opts.File != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 2,
			MaxAge:     30, // days
			Compress:   true,
		}
		writers = append(writers, fileWriter)
	}

	if opts.DBPath != "" {
		hook, err := NewDatabaseHook(opts.DBPath)
		if err != nil {
			return err
		}
		dbHook = hook
		Logger.AddHook(dbHook)
	}

	Logger.SetOutput(io.MultiWriter(writers...))
	Logger.SetLevel(level)

	Logger.WithFields(Fields{
		"level":    level.String(),
		"file":     opts.File,
		"database": opts.DBPath,
	}).Info("Logging system started")
	return nil
}

// Close releases the log file and database hook.
func Close() {
	hookMutex.Lock()
	defer hookMutex.Unlock()
	closeSinks()
	Logger.ReplaceHooks(make(logrus.LevelHooks))
	Logger.SetOutput(os.Stdout)
}

func closeSinks() {
	if dbHook != nil {
		dbHook.Close()
		dbHook = nil
	}
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// LogEntry is one row of the logs table.
type LogEntry struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller"`
	Fields    string    `json:"fields"`
}

// Query selects log rows. Zero values leave a filter out; Text matches the
// message or the formatted fields.
type Query struct {
	Level  string
	NodeID string
	Text   string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// LogStats counts stored entries per level and per node.
type LogStats struct {
	Total   int            `json:"total"`
	ByLevel map[string]int `json:"by_level"`
	ByNode  map[string]int `json:"by_node"`
}

func currentDB() (*sql.DB, error) {
	hookMutex.Lock()
	defer hookMutex.Unlock()
	if dbHook == nil {
		return nil, ErrNoDatabase
	}
	return dbHook.db, nil
}

// QueryLogs returns matching entries, newest first.
func QueryLogs(q Query) ([]LogEntry, error) {
	db, err := currentDB()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}
	if q.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, q.NodeID)
	}
	if q.Text != "" {
		pattern := "%" + q.Text + "%"
		where = append(where, "(message LIKE ? OR fields LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if q.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *q.Until)
	}

	query := "SELECT id, timestamp, level, node_id, message, caller, fields FROM logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var caller, fields sql.NullString
		err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.NodeID,
			&entry.Message, &caller, &fields)
		if err != nil {
			return nil, err
		}
		entry.Caller = caller.String
		entry.Fields = fields.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetLogStats counts the stored entries. Entries without a node are only
// counted in Total and ByLevel.
func GetLogStats() (LogStats, error) {
	stats := LogStats{ByLevel: map[string]int{}, ByNode: map[string]int{}}

	db, err := currentDB()
	if err != nil {
		return stats, err
	}

	if err := countBy(db, "SELECT level, COUNT(*) FROM logs GROUP BY level", stats.ByLevel); err != nil {
		return stats, err
	}
	if err := countBy(db, "SELECT node_id, COUNT(*) FROM logs WHERE node_id != '' GROUP BY node_id", stats.ByNode); err != nil {
		return stats, err
	}
	for _, n := range stats.ByLevel {
		stats.Total += n
	}
	return stats, nil
}

func countBy(db *sql.DB, query string, into map[string]int) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

func init() {
	Logger.SetReportCaller(true)
	Logger.SetFormatter(&Log4jFormatter{})
	Logger.SetLevel(logrus.InfoLevel)
}
