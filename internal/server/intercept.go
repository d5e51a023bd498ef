package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/l0p7/offsync/internal/agent"
)

// maxRequestBytes bounds how much of an intercepted request body is buffered.
const maxRequestBytes = 8 << 20

// Interceptor is the minimal surface the boundary needs from the agent.
type Interceptor interface {
	Intercept(context.Context, agent.Descriptor) (agent.Response, error)
}

// NewInterceptHandler terminates application requests and answers them through
// the agent. Every request gets a response; only malformed descriptors produce
// an HTTP-level error.
func NewInterceptHandler(interceptor Interceptor, logger *slog.Logger) http.Handler {
	log := logger.With(slog.String("agent", "intercept_handler"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		descriptor := agent.Descriptor{
			Method:       r.Method,
			URL:          r.URL.RequestURI(),
			Headers:      flattenHeaders(r.Header),
			Body:         body,
			ContentClass: r.Header.Get("Accept"),
		}

		resp, err := interceptor.Intercept(r.Context(), descriptor)
		if err != nil {
			if errors.Is(err, agent.ErrMalformedDescriptor) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Error("interception failed", slog.String("url", descriptor.URL), slog.Any("error", err))
			http.Error(w, "interception failed", http.StatusBadGateway)
			return
		}

		for name, value := range resp.Headers {
			w.Header().Set(name, value)
		}
		w.Header().Set("X-Offsync-Source", string(resp.Source))
		if resp.Source == agent.SourceOffline {
			w.Header().Set("X-Offsync-Offline", "true")
		}
		w.WriteHeader(resp.Status)
		if len(resp.Body) > 0 {
			if _, err := w.Write(resp.Body); err != nil {
				log.Debug("response write failed", slog.Any("error", err))
			}
		}
	})
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
