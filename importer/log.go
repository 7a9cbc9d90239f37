/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package importer

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the main process log. All named logs should be derivatives of
// this logger.
var Log = newLogger()

// newLogger returns a logger that writes to the console and, as JSON, to
// websocketLogOutputs and any extra cores. It is intended for setting up
// the main process logger during the program's init phase.
func newLogger(extra ...zapcore.Core) *zap.Logger {
	websocketsOut := zapcore.Lock(zapcore.AddSync(websocketLogOutputs))
	consoleOut := zapcore.Lock(os.Stderr)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format("2006/01/02 15:04:05.000"))
	}
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encCfg)
	jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	cores := append([]zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleOut, consoleLevel),
		zapcore.NewCore(jsonEncoder, websocketsOut, zap.InfoLevel), // sent to the progress feed
	}, extra...)
	core := zapcore.NewTee(cores...)

	// avoid a firehose of logs
	const firstNMsgs, everyNthMsg = 10, 100
	core = zapcore.NewSamplerWithOptions(core, time.Second, firstNMsgs, everyNthMsg)

	return zap.New(&customCore{core})
}

// consoleLevel can be raised with SetConsoleLevel before logging starts.
var consoleLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// SetConsoleLevel changes the minimum level written to the console.
func SetConsoleLevel(level zapcore.Level) { consoleLevel.SetLevel(level) }

// LogFileOptions configures a rotating JSON log file.
type LogFileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// EnableFileLog adds a rotating JSON log file to Log. It must be called
// before any named loggers are derived, usually right after config load.
// The returned function flushes and closes the file.
func EnableFileLog(opts LogFileOptions) func() error {
	lj := &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(lj),
		zap.DebugLevel,
	)
	Log = newLogger(fileCore)
	return func() error {
		return errors.Join(Log.Sync(), lj.Close())
	}
}

// multiConnWriter is like io.MultiWriter from the standard lib, except
// it supports dynamically adding and removing websocket connections.
//
// This is a "best-effort" multi-writer. If there is an error writing
// to one conn, it does not abort and will continue to write to the
// other conns. Write errors are discarded, but closed connections are
// removed from the pool.
type multiConnWriter struct {
	conns   []*websocket.Conn
	connsMu sync.RWMutex
}

func (mw *multiConnWriter) Write(p []byte) (n int, err error) {
	mw.connsMu.RLock()
	for _, w := range mw.conns {
		err = w.WriteMessage(websocket.TextMessage, p)
		// the handler that added this connection should remove it
		// when it closes, but we might find out first
		if errors.Is(err, websocket.ErrCloseSent) {
			defer mw.RemoveConn(w)
		}
	}
	mw.connsMu.RUnlock()
	return len(p), nil
}

// AddConn subscribes conn to writes.
func (mw *multiConnWriter) AddConn(conn *websocket.Conn) {
	mw.connsMu.Lock()
	mw.conns = append(mw.conns, conn)
	mw.connsMu.Unlock()
}

// RemoveConn unsubscribes conn from writes, if it is subscribed.
func (mw *multiConnWriter) RemoveConn(conn *websocket.Conn) {
	mw.connsMu.Lock()
	for i, mww := range mw.conns {
		if mww == conn {
			mw.conns = append(mw.conns[:i], mw.conns[i+1:]...)
			break
		}
	}
	mw.connsMu.Unlock()
}

// websocketLogOutputs mediates the list of active websocket
// connections that are receiving process logs.
var websocketLogOutputs = new(multiConnWriter)

// AddLogConn subscribes conn to the log output. When the conn is
// closed, it should be removed with RemoveLogConn().
func AddLogConn(conn *websocket.Conn) {
	websocketLogOutputs.AddConn(conn)
}

// RemoveLogConn removes conn from receiving logs. It is idempotent.
func RemoveLogConn(conn *websocket.Conn) {
	websocketLogOutputs.RemoveConn(conn)
}

// customCore wraps another zapcore.Core and prevents sampling of
// progress logs, which would otherwise leave a UI out of date.
type customCore struct {
	zapcore.Core
}

func (c *customCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if strings.HasSuffix(ent.LoggerName, "progress") && c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return c.Core.Check(ent, ce)
}

func (c *customCore) With(fields []zapcore.Field) zapcore.Core {
	return &customCore{c.Core.With(fields)}
}
