// log.go - Logging backend.
// Copyright (C) 2023  The Hyperletter Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log provides the per-component logging backend, a thin wrapper
// around go-logging.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const fmtStr = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend from which per-component loggers are derived.
type Backend struct {
	sync.Mutex

	backend logging.LeveledBackend
	w       io.Writer
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	b.Lock()
	defer b.Unlock()

	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// GetLogWriter returns an io.Writer that writes to the backend at the
// provided module and level.
func (b *Backend) GetLogWriter(module, level string) io.Writer {
	lvl, err := logLevelFromString(level)
	if err != nil {
		panic("log: GetLogWriter() with invalid level: " + err.Error())
	}
	return &logWriter{l: b.GetLogger(module), lvl: lvl}
}

// New initializes a logging backend. If f is the empty string the output is
// written to os.Stdout, and if disable is set all output is discarded.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	switch {
	case disable:
		b.w = ioutil.Discard
	case f == "":
		b.w = os.Stdout
	default:
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(f, flags, 0600)
		if err != nil {
			return nil, err
		}
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")

	return b, nil
}

// NewWithWriter initializes a logging backend that writes to w.
func NewWithWriter(w io.Writer, level string) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := &Backend{w: w}
	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")

	return b, nil
}

func logLevelFromString(level string) (logging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", level)
	}
}

type logWriter struct {
	l   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	if len(s) != 0 {
		switch w.lvl {
		case logging.ERROR:
			w.l.Error(s)
		case logging.WARNING:
			w.l.Warning(s)
		case logging.NOTICE:
			w.l.Notice(s)
		case logging.INFO:
			w.l.Info(s)
		case logging.DEBUG:
			w.l.Debug(s)
		}
	}
	return len(p), nil
}
