package o11y

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/traceid"
	"github.com/nftauth/gateway/proto"
)

// SpanHeader carries the JSON encoded server span of a request back to the caller.
const SpanHeader = "X-Gateway-Span"

// Middleware traces each request and returns the finished span in SpanHeader.
// The response is buffered until the span ends. Query strings are left out: redirect targets may hold partner parameters.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			ww.Discard()

			ctx, span := Trace(
				r.Context(),
				r.URL.Path,
				WithSpanKind(SpanKindServer),
				WithMetadata(map[string]any{
					"gateway.traceid": traceid.FromContext(r.Context()),
					"server.address":  r.Host,
					"http.method":     r.Method,
					"url.path":        r.URL.Path,
				}),
			)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetStatus(status)
			span.End()

			spanJSON, err := json.Marshal(span)
			if err != nil {
				proto.RespondWithError(w, err)
				return
			}
			w.Header().Set(SpanHeader, string(spanJSON))
			w.WriteHeader(status)
			if _, err := body.WriteTo(w); err != nil {
				LoggerFromContext(ctx).Error("write buffered response", "error", err)
			}
		})
	}
}

// FlowParam annotates the request span with the flow id held in the named URL
// parameter, so every span and log line started below it carries the flow.
func FlowParam(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if flowID := chi.URLParam(r, name); flowID != "" {
				GetSpan(r.Context()).SetAnnotation(FlowIDAnnotation, flowID)
			}
			next.ServeHTTP(w, r)
		})
	}
}
