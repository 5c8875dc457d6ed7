// Package stplog renders the plain-text trace log and footer counters
// required by §6, and builds the operational *zap.Logger used for
// lifecycle and error events, the way the teacher builds its
// zap.NewProduction loggers in cmd/*/main.go.
package stplog

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/denniemok/simple-transport-protocol/internal/stp/protocol"
)

// Direction labels one trace-log line: segment sent, received, or
// (receiver only) dropped by the Loss Channel before reassembly.
type Direction string

const (
	DirSend Direction = "snd"
	DirRecv Direction = "rcv"
	DirDrop Direction = "drp"
)

// TraceLogger emits one line per segment event in the exact format §6
// requires: no timestamp prefix, no level tag, just the fields the
// protocol itself supplies.
type TraceLogger struct {
	logger *zap.Logger
	start  time.Time
}

// NewTraceLogger builds a trace logger that writes bare lines to w,
// timed against start (the moment SYN was sent or received).
func NewTraceLogger(w io.Writer, start time.Time) *TraceLogger {
	encoderCfg := zapcore.EncoderConfig{
		MessageKey:     "M",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), zapcore.InfoLevel)
	return &TraceLogger{logger: zap.New(core), start: start}
}

// Trace records one segment event: <snd|rcv|drp> <time_ms> <TYPE> <seq> <payload_len>.
func (tl *TraceLogger) Trace(dir Direction, typ protocol.Type, seq uint16, payloadLen int) {
	elapsed := time.Since(tl.start).Milliseconds()
	tl.logger.Info(fmt.Sprintf("%s %d %s %d %d", dir, elapsed, typ, seq, payloadLen))
}

// SenderFooter prints the sender's required closing counters.
func (tl *TraceLogger) SenderFooter(totalBytes uint64, stats SenderFooterStats) {
	tl.logger.Info(fmt.Sprintf("data_bytes_transferred=%d data_segments_sent=%d retransmitted=%d duplicate_acks=%d",
		totalBytes, stats.DataSegmentsSent, stats.Retransmitted, stats.DuplicateAcks))
}

// SenderFooterStats carries the sender's footer counters from the send buffer.
type SenderFooterStats struct {
	DataSegmentsSent uint64
	Retransmitted    uint64
	DuplicateAcks    uint64
}

// ReceiverFooter prints the receiver's required closing counters.
func (tl *TraceLogger) ReceiverFooter(bytesReceived uint64, stats ReceiverFooterStats) {
	tl.logger.Info(fmt.Sprintf("data_bytes_received=%d data_segments_received=%d duplicate_data=%d data_dropped=%d ack_dropped=%d",
		bytesReceived, stats.DataSegmentsReceived, stats.Duplicates, stats.DataDropped, stats.AckDropped))
}

// ReceiverFooterStats carries the receiver's footer counters from the
// reassembly buffer and the loss channel.
type ReceiverFooterStats struct {
	DataSegmentsReceived uint64
	Duplicates           uint64
	DataDropped          uint64
	AckDropped           uint64
}

// Sync flushes the underlying writer.
func (tl *TraceLogger) Sync() error {
	return tl.logger.Sync()
}

// NewOperationalLogger builds the structured logger used for lifecycle
// and error events outside the trace log, mirroring the teacher's
// zap.NewProduction() construction in cmd/session-service/main.go.
func NewOperationalLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("stplog: build operational logger: %w", err)
	}
	return logger, nil
}
