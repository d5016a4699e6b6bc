// Package httpfeed serves eventfeed to browsers and API clients over HTTP.
//
// GET /v1/events/stream is a Server-Sent Events stream driven by the Dispatcher: every event
// is written with its id as the SSE id, so the browser's automatic reconnect resends it as
// Last-Event-ID and the stream resumes without gaps. GET /v1/events is the same replay as a
// JSON page for clients that poll. The recipient is always the subject of the bearer token,
// never a request parameter.
package httpfeed
