package agent

import "errors"

var (
	// ErrTransport wraps network-unreachable and timeout failures. Strategies
	// treat both identically: the "network unavailable" branch applies.
	ErrTransport = errors.New("agent: transport failure")

	// ErrMalformedDescriptor marks a request no caching policy can apply to.
	ErrMalformedDescriptor = errors.New("agent: malformed request descriptor")
)
