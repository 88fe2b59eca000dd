// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most one message per interval. Messages it
// drops are counted, and the count is appended to the next message that gets
// through.
type rateLimitedLogger struct {
	// logger returns the Logger messages are forwarded to.
	logger func() Logger
	limit  *rate.Limiter

	// suppressed is the number of messages dropped since the last one that
	// was forwarded.
	suppressed atomic.Uint64
}

// admit returns the format to forward, or false if the message is dropped.
func (rl *rateLimitedLogger) admit(format string) (string, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	n := rl.suppressed.Swap(0)
	if n == 0 {
		return format, true
	}
	nl := ""
	if strings.HasSuffix(format, "\n") {
		format, nl = strings.TrimSuffix(format, "\n"), "\n"
	}
	return format + fmt.Sprintf(" (%d similar messages suppressed)", n) + nl, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if format, ok := rl.admit(format); ok {
		rl.logger().Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if format, ok := rl.admit(format); ok {
		rl.logger().Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if format, ok := rl.admit(format); ok {
		rl.logger().Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger().IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration. The global logger is looked up
// for every message, so the result may be created before SetTarget is
// called.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return newRateLimitedLogger(func() Logger { return Log() }, every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return newRateLimitedLogger(func() Logger { return logger }, every)
}

func newRateLimitedLogger(logger func() Logger, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
