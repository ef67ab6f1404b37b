package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tkersh/orderworker/internal/config"
)

// newLogger builds the zap logger. The human format uses the console
// encoder; json uses the production encoder. When a collector endpoint is
// set, records are additionally forwarded to it by a tee'd core; forwarding
// failures never impede console output.
func newLogger(cfg config.ObservabilityConfig, endpoint string) (*zap.Logger, *collectorLogCore, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("unsupported log level %q: %w", cfg.LogLevel, err)
	}

	var encoder zapcore.Encoder
	switch cfg.LogFormat {
	case "human":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)

	var sink *collectorLogCore
	if endpoint != "" {
		sink = newCollectorLogCore(endpoint+"/v1/logs", cfg.ServiceName, level)
		core = zapcore.NewTee(core, sink)
	}

	logger := zap.New(core).With(zap.String("service", cfg.ServiceName))
	return logger, sink, nil
}

// collectorLogCore forwards log records to an OTLP/HTTP logs endpoint in a
// standard log-record shape. Records are buffered and flushed on a batch
// window; a full buffer or an unreachable collector drops records rather
// than blocking the caller.
type collectorLogCore struct {
	zapcore.LevelEnabler

	sink   *logSink
	fields []zapcore.Field
}

// logSink is the buffer and flush loop shared by all clones of the core.
type logSink struct {
	url     string
	service string
	client  *http.Client

	mu      sync.Mutex
	pending []logRecord
	closed  bool
	done    chan struct{}
}

type logRecord struct {
	TimeUnixNano   int64             `json:"timeUnixNano,string"`
	SeverityText   string            `json:"severityText"`
	SeverityNumber int               `json:"severityNumber"`
	Body           string            `json:"body"`
	TraceID        string            `json:"traceId,omitempty"`
	SpanID         string            `json:"spanId,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

const logBufferLimit = 1024

func newCollectorLogCore(url, service string, enab zapcore.LevelEnabler) *collectorLogCore {
	sink := &logSink{
		url:     url,
		service: service,
		client:  &http.Client{Timeout: 2 * time.Second},
		done:    make(chan struct{}),
	}
	go sink.flushLoop()
	return &collectorLogCore{LevelEnabler: enab, sink: sink}
}

func (c *collectorLogCore) With(fields []zapcore.Field) zapcore.Core {
	return &collectorLogCore{
		LevelEnabler: c.LevelEnabler,
		sink:         c.sink,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
	}
}

func (c *collectorLogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *collectorLogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	rec := logRecord{
		TimeUnixNano:   ent.Time.UnixNano(),
		SeverityText:   ent.Level.CapitalString(),
		SeverityNumber: severityNumber(ent.Level),
		Body:           ent.Message,
		Attributes:     map[string]string{"service.name": c.sink.service},
	}
	for k, v := range enc.Fields {
		switch k {
		case "trace_id":
			rec.TraceID = fmt.Sprint(v)
		case "span_id":
			rec.SpanID = fmt.Sprint(v)
		default:
			rec.Attributes[k] = fmt.Sprint(v)
		}
	}

	c.sink.add(rec)
	return nil
}

func (c *collectorLogCore) Sync() error {
	c.sink.flush()
	return nil
}

// Close stops the flush loop after a final flush.
func (c *collectorLogCore) Close() {
	c.sink.close()
}

func (s *logSink) add(rec logRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) >= logBufferLimit {
		return
	}
	s.pending = append(s.pending, rec)
}

func (s *logSink) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.flush()
}

func (s *logSink) flushLoop() {
	ticker := time.NewTicker(exportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.done:
			return
		}
	}
}

func (s *logSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"resourceLogs": []map[string]any{{
			"scopeLogs": []map[string]any{{
				"logRecords": batch,
			}},
		}},
	})
	if err != nil {
		return
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		// Collector unreachable: drop the batch, console logging is
		// unaffected.
		return
	}
	_ = resp.Body.Close()
}

func severityNumber(level zapcore.Level) int {
	switch level {
	case zapcore.DebugLevel:
		return 5
	case zapcore.InfoLevel:
		return 9
	case zapcore.WarnLevel:
		return 13
	case zapcore.ErrorLevel:
		return 17
	default:
		return 21
	}
}
