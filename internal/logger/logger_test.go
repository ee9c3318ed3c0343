// Copyright 2024 Google Inc. All Rights Reserved.
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

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString   = `^timestamp=\S+ severity=TRACE msg=www.traceExample.com`
	textDebugString   = `^timestamp=\S+ severity=DEBUG msg=www.debugExample.com`
	textInfoString    = `^timestamp=\S+ severity=INFO msg=www.infoExample.com`
	textWarningString = `^timestamp=\S+ severity=WARNING msg=www.warningExample.com`
	textErrorString   = `^timestamp=\S+ severity=ERROR msg=www.errorExample.com`

	jsonTraceString   = `^\{"timestamp":"[^"]+","severity":"TRACE","msg":"www.traceExample.com"\}`
	jsonDebugString   = `^\{"timestamp":"[^"]+","severity":"DEBUG","msg":"www.debugExample.com"\}`
	jsonInfoString    = `^\{"timestamp":"[^"]+","severity":"INFO","msg":"www.infoExample.com"\}`
	jsonWarningString = `^\{"timestamp":"[^"]+","severity":"WARNING","msg":"www.warningExample.com"\}`
	jsonErrorString   = `^\{"timestamp":"[^"]+","severity":"ERROR","msg":"www.errorExample.com"\}`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) { suite.Run(t, new(LoggerTest)) }

func getTestLoggingFunctions() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func fetchLogOutputForSpecifiedSeverityLevel(format, severity string) []string {
	var buf bytes.Buffer
	Init(&buf, format, severity)

	var output []string
	for _, f := range getTestLoggingFunctions() {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func validateOutput(t *testing.T, expected, output []string) {
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			assert.Regexp(t, regexp.MustCompile(expected[i]), output[i])
		}
	}
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelOFF() {
	out := fetchLogOutputForSpecifiedSeverityLevel("text", OFF)
	validateOutput(t.T(), []string{"", "", "", "", ""}, out)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelERROR() {
	out := fetchLogOutputForSpecifiedSeverityLevel("text", ERROR)
	validateOutput(t.T(), []string{"", "", "", "", textErrorString}, out)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelWARNING() {
	out := fetchLogOutputForSpecifiedSeverityLevel("text", WARNING)
	validateOutput(t.T(), []string{"", "", "", textWarningString, textErrorString}, out)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelINFO() {
	out := fetchLogOutputForSpecifiedSeverityLevel("text", INFO)
	validateOutput(t.T(), []string{"", "", textInfoString, textWarningString, textErrorString}, out)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelDEBUG() {
	out := fetchLogOutputForSpecifiedSeverityLevel("text", DEBUG)
	validateOutput(t.T(), []string{"", textDebugString, textInfoString, textWarningString, textErrorString}, out)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelTRACE() {
	out := fetchLogOutputForSpecifiedSeverityLevel("text", TRACE)
	validateOutput(t.T(), []string{textTraceString, textDebugString, textInfoString, textWarningString, textErrorString}, out)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelERROR() {
	out := fetchLogOutputForSpecifiedSeverityLevel("json", ERROR)
	validateOutput(t.T(), []string{"", "", "", "", jsonErrorString}, out)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelTRACE() {
	out := fetchLogOutputForSpecifiedSeverityLevel("json", TRACE)
	validateOutput(t.T(), []string{jsonTraceString, jsonDebugString, jsonInfoString, jsonWarningString, jsonErrorString}, out)
}

func (t *LoggerTest) TestSetLoggingLevel() {
	testData := []struct {
		input    string
		expected int
	}{
		{TRACE, int(LevelTrace)},
		{DEBUG, int(LevelDebug)},
		{WARNING, int(LevelWarn)},
		{"garbage", int(LevelInfo)},
	}

	for _, td := range testData {
		level := new(slog.LevelVar)
		setLoggingLevel(td.input, level)
		t.Equal(td.expected, int(level.Level()))
	}
}
