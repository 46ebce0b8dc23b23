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
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) && rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) && rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimited returns a Logger that passes at most one message per every
// to logger. Messages filtered out by level are not counted against the limit.
func RateLimited(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// BasicRateLimitedLogger returns a RateLimited view of the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimited(globalLogger{}, every)
}

// globalLogger follows SetTarget, unlike the pointer returned by Log.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	Log().logAtDepth(2, Debug, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	Log().logAtDepth(2, Info, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	Log().logAtDepth(2, Warning, format, v...)
}

func (globalLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

type prefixedLogger struct {
	logger Logger
	prefix string
}

func (p *prefixedLogger) Debugf(format string, v ...any) {
	p.logger.Debugf("%s%s", p.prefix, fmt.Sprintf(format, v...))
}

func (p *prefixedLogger) Infof(format string, v ...any) {
	p.logger.Infof("%s%s", p.prefix, fmt.Sprintf(format, v...))
}

func (p *prefixedLogger) Warningf(format string, v ...any) {
	p.logger.Warningf("%s%s", p.prefix, fmt.Sprintf(format, v...))
}

func (p *prefixedLogger) IsLogging(level Level) bool {
	return p.logger.IsLogging(level)
}

// Prefixed returns a Logger that starts every message to logger with
// prefix. A nil logger selects the global logger.
func Prefixed(logger Logger, prefix string) Logger {
	if logger == nil {
		logger = globalLogger{}
	}
	return &prefixedLogger{logger: logger, prefix: prefix}
}
