package o11y

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/nftauth/gateway/biometric"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/wallet"
)

type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindServer   SpanKind = "server"
	SpanKindClient   SpanKind = "client"
)

// FlowIDAnnotation is inherited by every child of a span that carries it.
const FlowIDAnnotation = "flow.id"

// expectedErrors are outcomes of normal user interaction. They are recorded
// on spans without a stack trace.
var expectedErrors = []error{
	flow.ErrOperationPending,
	flow.ErrStageLocked,
	flow.ErrFlowComplete,
	flow.ErrIncompleteSubmission,
	flow.ErrStaleResponse,
	biometric.ErrSpoofDetected,
	wallet.ErrUserRejected,
	wallet.ErrNoAccounts,
}

type Span struct {
	Kind        SpanKind          `json:"kind,omitempty"`
	Name        string            `json:"name"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time,omitempty"`
	Children    []*Span           `json:"children,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Status      int               `json:"status,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Logs        []json.RawMessage `json:"logs,omitempty"`

	mu sync.Mutex
}

type spanKey struct{}

func GetSpan(ctx context.Context) *Span {
	span, ok := ctx.Value(spanKey{}).(*Span)
	if !ok {
		return nil
	}
	return span
}

func Trace(ctx context.Context, name string, opts ...func(*Span)) (context.Context, *Span) {
	parent := GetSpan(ctx)
	span := &Span{
		Name:        name,
		StartTime:   time.Now(),
		Metadata:    make(map[string]any),
		Annotations: make(map[string]string),
	}
	if parent != nil {
		parent.mu.Lock()
		parent.Children = append(parent.Children, span)
		if flowID, ok := parent.Annotations[FlowIDAnnotation]; ok {
			span.Annotations[FlowIDAnnotation] = flowID
		}
		parent.mu.Unlock()
	}
	for _, opt := range opts {
		opt(span)
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// MarshalJSON encodes the span while holding its lock, since background work of
// a flow may still be adding children.
func (s *Span) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type span Span
	return json.Marshal((*span)(s))
}

func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata["exception.type"] = typeStr(err)
	s.Metadata["exception.message"] = err.Error()

	for _, expected := range expectedErrors {
		if errors.Is(err, expected) {
			s.Metadata["exception.expected"] = true
			return
		}
	}

	stackTrace := make([]byte, 2048)
	n := runtime.Stack(stackTrace, false)
	s.Metadata["exception.stacktrace"] = string(stackTrace[0:n])
}

func (s *Span) SetMetadata(attrs map[string]any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range attrs {
		s.Metadata[k] = v
	}
}

func (s *Span) SetAnnotation(key string, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Annotations[key] = value
}

func (s *Span) Annotation(key string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Annotations[key]
}

func (s *Span) SetStatus(status int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

// Write appends a log line, making the span usable as a log handler output.
func (s *Span) Write(p []byte) (n int, err error) {
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Logs = append(s.Logs, json.RawMessage(slices.Clone(p)))
	return len(p), nil
}

func typeStr(v any) string {
	t := reflect.TypeOf(v)
	if t.PkgPath() == "" && t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func WithSpanKind(kind SpanKind) func(s *Span) {
	return func(s *Span) {
		s.Kind = kind
	}
}

func WithMetadata(attrs map[string]any) func(s *Span) {
	return func(s *Span) {
		s.SetMetadata(attrs)
	}
}

func WithFlowID(id string) func(s *Span) {
	return WithAnnotation(FlowIDAnnotation, id)
}

func WithAnnotation(key string, value string) func(s *Span) {
	return func(s *Span) {
		s.SetAnnotation(key, value)
	}
}
