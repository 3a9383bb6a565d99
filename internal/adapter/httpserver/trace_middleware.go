package httpserver

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TraceMiddleware opens a server span per request via otelhttp.
func TraceMiddleware() func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware("milvaion.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
	)
}
