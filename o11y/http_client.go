package o11y

import (
	"fmt"
	"net/http"
)

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type wrappedClient struct {
	HTTPClient
}

// WrapClient traces every outbound request as a client span named after the
// method and host. Query strings are never recorded.
func WrapClient(c HTTPClient) HTTPClient {
	return &wrappedClient{HTTPClient: c}
}

func (c *wrappedClient) Do(req *http.Request) (res *http.Response, err error) {
	ctx, span := Trace(
		req.Context(),
		"http "+req.Method+" "+req.URL.Host,
		WithSpanKind(SpanKindClient),
		WithAnnotation("peer", req.URL.Host),
	)
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
		case res.StatusCode >= http.StatusInternalServerError:
			span.RecordError(fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, res.StatusCode))
			span.SetStatus(res.StatusCode)
		default:
			span.SetMetadata(map[string]any{
				"http.response_content_length": res.ContentLength,
			})
			span.SetStatus(res.StatusCode)
		}
		span.End()
	}()

	span.SetMetadata(map[string]any{
		"http.method":                 req.Method,
		"http.scheme":                 req.URL.Scheme,
		"http.path":                   req.URL.Path,
		"http.request_content_length": req.ContentLength,
	})

	return c.HTTPClient.Do(req.WithContext(ctx))
}
