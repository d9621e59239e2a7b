// Package fixes produces location fixes for the sampler from a line-delimited
// JSON feed such as a GPS daemon pipe or a recorded track.
package fixes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

const fixBufferSize = 16

// Fix is one location reading from the positioning hardware.
type Fix struct {
	Lat          float64
	Lng          float64
	Accuracy     *float64
	Altitude     *float64
	Bearing      *float64
	Speed        *float64
	BatteryLevel *int
	CapturedAt   time.Time
}

// Request describes the location updates the sampler currently wants.
type Request struct {
	Active          bool `json:"active"`
	IntervalSeconds int  `json:"interval_seconds"`
	HighAccuracy    bool `json:"high_accuracy"`
}

// Source is a single producer of fixes that honours the sampler's request.
type Source interface {
	Fixes() <-chan Fix
	SetRequest(Request)
}

type fixLine struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Accuracy  *float64   `json:"accuracy"`
	Altitude  *float64   `json:"altitude"`
	Bearing   *float64   `json:"bearing"`
	Speed     *float64   `json:"speed"`
	Battery   *int       `json:"battery"`
	Timestamp *time.Time `json:"time"`
}

// StreamSource decodes one JSON fix per line and forwards the fixes the
// current request asks for. It is a suture.Service and stops for good at end of input.
type StreamSource struct {
	reader io.Reader
	clock  func() time.Time
	logger *zap.Logger
	out    chan Fix

	mu          sync.Mutex
	request     Request
	lastEmitted time.Time

	startOnce sync.Once
	lines     chan []byte
	readErr   chan error
}

// NewStreamSource constructs a StreamSource over reader.
func NewStreamSource(reader io.Reader, clock func() time.Time, logger *zap.Logger) *StreamSource {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSource{
		reader:  reader,
		clock:   clock,
		logger:  logger,
		out:     make(chan Fix, fixBufferSize),
		lines:   make(chan []byte),
		readErr: make(chan error, 1),
	}
}

// String names the source for supervisor events.
func (s *StreamSource) String() string {
	return "fix-source"
}

// Fixes returns the channel fixes are delivered on.
func (s *StreamSource) Fixes() <-chan Fix {
	return s.out
}

// SetRequest replaces the active request. A change of interval takes effect on the next fix.
func (s *StreamSource) SetRequest(request Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !request.Active || request.IntervalSeconds != s.request.IntervalSeconds {
		s.lastEmitted = time.Time{}
	}
	s.request = request
}

// Serve implements suture.Service.
func (s *StreamSource) Serve(ctx context.Context) error {
	s.startOnce.Do(func() { go s.readLines() })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.readErr:
			if err != nil {
				s.logger.Warn("fix source read failed", zap.Error(err))
			} else {
				s.logger.Info("fix source reached end of input")
			}
			return fmt.Errorf("fix source closed: %w", suture.ErrDoNotRestart)
		case line := <-s.lines:
			fix, err := decodeFix(line, s.clock)
			if err != nil {
				s.logger.Debug("fix line skipped", zap.Error(err))
				continue
			}
			if !s.accept(fix) {
				continue
			}
			select {
			case s.out <- fix:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *StreamSource) accept(fix Fix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.request.Active {
		return false
	}
	interval := time.Duration(s.request.IntervalSeconds) * time.Second
	if !s.lastEmitted.IsZero() && fix.CapturedAt.Sub(s.lastEmitted) < interval {
		return false
	}
	s.lastEmitted = fix.CapturedAt
	return true
}

func (s *StreamSource) readLines() {
	scanner := bufio.NewScanner(s.reader)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		s.lines <- line
	}
	s.readErr <- scanner.Err()
}

var errIncompleteFix = errors.New("fix requires lat and lng")

func decodeFix(line []byte, clock func() time.Time) (Fix, error) {
	var decoded fixLine
	if err := json.Unmarshal(line, &decoded); err != nil {
		return Fix{}, err
	}
	if decoded.Lat == nil || decoded.Lng == nil {
		return Fix{}, errIncompleteFix
	}
	capturedAt := clock().UTC()
	if decoded.Timestamp != nil && !decoded.Timestamp.IsZero() {
		capturedAt = decoded.Timestamp.UTC()
	}
	return Fix{
		Lat:          *decoded.Lat,
		Lng:          *decoded.Lng,
		Accuracy:     decoded.Accuracy,
		Altitude:     decoded.Altitude,
		Bearing:      decoded.Bearing,
		Speed:        decoded.Speed,
		BatteryLevel: decoded.Battery,
		CapturedAt:   capturedAt,
	}, nil
}
