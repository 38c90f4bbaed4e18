/*
Package handlers implements the HTTP surface of the batch manager:
request admission (both submission shapes), batch and request inspection,
delivery retries, batch cancellation and flushing, the maintenance gate,
configuration reload, and health probes.

All endpoints share one response envelope (Response) and one error shape
(ErrorInfo); admission refusals carry the intake error code verbatim so
clients can branch on it.
*/
package handlers
