// Copyright 2025 CERN/Switzerland
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

package cfg

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Octal is the datatype for params such as credential-store permissions which
// accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity accepts "TRACE", "DEBUG", "INFO", "WARNING", "ERROR" or "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severities = []LogSeverity{
	TraceLogSeverity,
	DebugLogSeverity,
	InfoLogSeverity,
	WarningLogSeverity,
	ErrorLogSeverity,
	OffLogSeverity,
}

func (s *LogSeverity) UnmarshalText(text []byte) error {
	up := LogSeverity(strings.ToUpper(string(text)))
	if !slices.Contains(severities, up) {
		return fmt.Errorf("invalid log severity %q; must be one of %v", string(text), severities)
	}
	*s = up
	return nil
}

func (s LogSeverity) MarshalText() ([]byte, error) {
	return []byte(s), nil
}
