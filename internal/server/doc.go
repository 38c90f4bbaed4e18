/*
Package server manages HTTP/HTTPS server lifecycles: non-blocking start,
graceful shutdown within a configured timeout, SIGINT/SIGTERM handling,
and an asynchronous error channel for serve failures.
*/
package server
