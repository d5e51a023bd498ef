package agent

import "github.com/l0p7/offsync/internal/agent/store"

// Source records where a response came from so callers can tell a fresh
// answer from a stale one and a stale one from "no data at all".
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
	SourceQueued  Source = "queued"
)

// Response is what every intercepted request resolves to. The agent never
// lets a transport error escape: callers always receive one of these, except
// for malformed descriptors.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Source  Source

	// Truncated marks a network body that was cut at the buffer limit. The
	// partial payload still reaches the caller but is never cached.
	Truncated bool
}

func entryResponse(entry store.Entry) Response {
	status := entry.Status
	if status == 0 {
		status = 200
	}
	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[k] = v
	}
	return Response{
		Status:  status,
		Headers: headers,
		Body:    entry.Payload,
		Source:  SourceCache,
	}
}
