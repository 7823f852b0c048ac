// Copyright 2025 Arion Yau
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

package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingField     = errors.New("missing field")
	ErrInvalidField     = errors.New("invalid field")
)

// Required payload fields, in the order they are checked.
const (
	FieldSensorID    = "sensor_id"
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldTimestamp   = "timestamp"
)

var requiredFields = []string{FieldSensorID, FieldTemperature, FieldHumidity, FieldTimestamp}

// ValidationError describes why a payload was rejected. Reason is one of the
// package sentinels so callers can match it with errors.Is.
type ValidationError struct {
	Reason error
	Field  string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Reason.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Field)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// Validate parses a broker payload into a Reading.
//
// A field holding JSON null or an empty string is treated as absent; a zero
// value is present. Numeric fields accept numbers or numeric strings.
func Validate(payload []byte) (Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Reading{}, &ValidationError{Reason: ErrMalformedPayload, Err: err}
	}
	if fields == nil {
		return Reading{}, &ValidationError{Reason: ErrMalformedPayload}
	}

	for _, name := range requiredFields {
		if !present(fields[name]) {
			return Reading{}, &ValidationError{Reason: ErrMissingField, Field: name}
		}
	}

	var (
		r   Reading
		err error
	)
	if r.SensorID, err = stringField(fields[FieldSensorID]); err != nil {
		return Reading{}, &ValidationError{Reason: ErrInvalidField, Field: FieldSensorID, Err: err}
	}
	if r.Temperature, err = numberField(fields[FieldTemperature]); err != nil {
		return Reading{}, &ValidationError{Reason: ErrInvalidField, Field: FieldTemperature, Err: err}
	}
	if r.Humidity, err = numberField(fields[FieldHumidity]); err != nil {
		return Reading{}, &ValidationError{Reason: ErrInvalidField, Field: FieldHumidity, Err: err}
	}
	if r.Timestamp, err = stringField(fields[FieldTimestamp]); err != nil {
		return Reading{}, &ValidationError{Reason: ErrInvalidField, Field: FieldTimestamp, Err: err}
	}
	if r.At, err = time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
		return Reading{}, &ValidationError{Reason: ErrInvalidField, Field: FieldTimestamp, Err: err}
	}

	return r, nil
}

func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	return !bytes.Equal(v, []byte("null")) && !bytes.Equal(v, []byte(`""`))
}

func stringField(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string")
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("blank string")
	}
	return s, nil
}

func numberField(raw json.RawMessage) (float64, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite number")
	}
	return f, nil
}
