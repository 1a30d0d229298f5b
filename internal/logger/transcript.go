// Package logger records the frames of a proxy session to a JSON-lines
// transcript.
//
// The first line is a header object. Every following line is an event array
// [seconds_since_start, direction, frame], where direction is "i" for frames
// sent by the browser and "o" for frames received from the upstream.
package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Direction of a recorded frame.
const (
	DirectionIn  = "i"
	DirectionOut = "o"
)

// TranscriptHeader is the first line of a transcript.
type TranscriptHeader struct {
	Version   int    `json:"version"`
	SessionID string `json:"session"`
	UserID    string `json:"user"`
	Upstream  string `json:"upstream"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptEvent is one recorded frame.
type TranscriptEvent struct {
	TimeOffset float64
	Direction  string
	Frame      string
}

// MarshalJSON encodes the event as [offset, direction, frame].
func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Direction, e.Frame})
}

// UnmarshalJSON decodes the array form written by MarshalJSON.
func (e *TranscriptEvent) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	direction, ok := arr[1].(string)
	if !ok || (direction != DirectionIn && direction != DirectionOut) {
		return fmt.Errorf("invalid direction %v", arr[1])
	}
	frame, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid frame type")
	}

	e.TimeOffset = offset
	e.Direction = direction
	e.Frame = frame
	return nil
}

// Recorder appends frames to a transcript. It is safe for concurrent use by
// the two relay directions.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	closed    bool
	mu        sync.Mutex
}

// NewRecorder creates the transcript file at filePath.
func NewRecorder(filePath string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	return &Recorder{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewRecorderWithWriter creates a Recorder that writes to w.
func NewRecorderWithWriter(w io.Writer) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteHeader writes the transcript header. Call it once, before any frame.
func (r *Recorder) WriteHeader(sessionID, userID, upstream string) error {
	return r.writeLine(TranscriptHeader{
		Version:   1,
		SessionID: sessionID,
		UserID:    userID,
		Upstream:  upstream,
		Timestamp: r.startTime.Unix(),
	})
}

// RecordIn records a frame sent by the browser.
func (r *Recorder) RecordIn(frame []byte) error {
	return r.record(DirectionIn, frame)
}

// RecordOut records a frame received from the upstream.
func (r *Recorder) RecordOut(frame []byte) error {
	return r.record(DirectionOut, frame)
}

func (r *Recorder) record(direction string, frame []byte) error {
	return r.writeLine(TranscriptEvent{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Direction:  direction,
		Frame:      string(frame),
	})
}

func (r *Recorder) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript line: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return os.ErrClosed
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript line: %w", err)
	}
	return nil
}

// Close closes the transcript. Later writes fail with os.ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadTranscript parses a transcript written by a Recorder.
func ReadTranscript(rd io.Reader) (*TranscriptHeader, []TranscriptEvent, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, io.ErrUnexpectedEOF
	}
	header := &TranscriptHeader{}
	if err := json.Unmarshal(scanner.Bytes(), header); err != nil {
		return nil, nil, fmt.Errorf("invalid transcript header: %w", err)
	}

	var events []TranscriptEvent
	for line := 2; scanner.Scan(); line++ {
		var event TranscriptEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, nil, fmt.Errorf("invalid transcript line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return header, events, nil
}
