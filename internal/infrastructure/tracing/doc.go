/*
Package tracing provides request tracing for the introspection API.

# Overview

Every API request gets a trace id and a span recording its operation
name, duration, status, and tags. Completed spans are handed to a
background collector and logged through the structured logger; the
request path never blocks on span processing, and spans are dropped
when the collector buffer is full.

# Usage

	tracer := tracing.New(logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	// Manual span creation
	span, ctx := tracer.StartSpan(ctx, "operation")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

	span.SetTag("key", "value")

# Propagation

Traces use standard HTTP headers:
  - X-Trace-ID: identifier for the whole request flow
  - X-Span-ID: identifier for the current operation

Clients may supply both headers to join a request to an existing trace;
responses always carry them back so callers can correlate logs.
*/
package tracing
