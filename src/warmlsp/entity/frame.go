package entity

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates response frames.
type FrameType string

// Frame types.
const (
	FrameLog    FrameType = "log"
	FrameResult FrameType = "result"
	FrameError  FrameType = "error"
)

// Frame is one newline-terminated JSON object on a response stream.
// Exactly one Result or Error frame terminates a stream; Log frames may precede it.
type Frame struct {
	Type FrameType
	// Data holds the log line for Log frames and the payload for Result frames.
	Data any
	// Message is the human readable failure of an Error frame.
	Message string
	// Code is the error kind of an Error frame, or NO_RESULT on an empty Result frame.
	Code string
}

// LogFrame creates a log frame.
func LogFrame(line string) Frame {
	return Frame{Type: FrameLog, Data: line}
}

// ResultFrame creates a terminal success frame.
func ResultFrame(data any) Frame {
	return Frame{Type: FrameResult, Data: data}
}

// NoResultFrame creates a terminal success frame for an empty answer.
func NoResultFrame(code string) Frame {
	return Frame{Type: FrameResult, Code: code}
}

// ErrorFrame creates a terminal failure frame.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

// Terminal reports whether the frame ends a stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameResult || f.Type == FrameError
}

type logWire struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

type resultWire struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
	Code string    `json:"code,omitempty"`
}

type errorWire struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code"`
}

type anyWire struct {
	Type    FrameType       `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// MarshalJSON writes only the fields that belong to the frame's type.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FrameLog:
		return json.Marshal(logWire{Type: f.Type, Data: f.Data})
	case FrameResult:
		return json.Marshal(resultWire{Type: f.Type, Data: f.Data, Code: f.Code})
	case FrameError:
		return json.Marshal(errorWire{Type: f.Type, Message: f.Message, Code: f.Code})
	}
	return nil, fmt.Errorf("unknown frame type %q", f.Type)
}

// UnmarshalJSON decodes a frame. Result data is kept as json.RawMessage, or nil when it is null.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var w anyWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*f = Frame{Type: w.Type, Message: w.Message, Code: w.Code}
	switch w.Type {
	case FrameLog:
		var line string
		if err := json.Unmarshal(w.Data, &line); err != nil {
			return fmt.Errorf("log frame data: %w", err)
		}
		f.Data = line
	case FrameResult:
		if len(w.Data) > 0 && string(w.Data) != "null" {
			f.Data = w.Data
		}
	case FrameError:
	default:
		return fmt.Errorf("unknown frame type %q", w.Type)
	}
	return nil
}
