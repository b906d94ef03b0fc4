package observability

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// TracingHandler wraps one diagnostic endpoint in a server span. The
// daemon's surface is too small for blanket middleware; each handler
// opts in by name.
func TracingHandler(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			handler(w, r)
			return
		}

		ctx, span := StartServerSpan(r.Context(), name,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		handler(w, r.WithContext(ctx))
	}
}
