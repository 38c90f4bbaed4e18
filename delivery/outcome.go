// Package delivery forwards completed request results to their configured
// destination: an HTTP webhook or an AMQP queue. Every physical attempt is
// classified into a closed outcome set and persisted; transient outcomes are
// retried with backoff up to a per-request attempt budget.
package delivery

// Outcome classifies a single delivery attempt.
type Outcome string

// The closed outcome set.
const (
	OutcomeSuccess             Outcome = "success"
	OutcomeAuthorizationError  Outcome = "authorization_error"
	OutcomeHTTPStatusNot2xx    Outcome = "http_status_not_2xx"
	OutcomeTimeout             Outcome = "timeout"
	OutcomeConnectionError     Outcome = "connection_error"
	OutcomeExchangeNotFound    Outcome = "exchange_not_found"
	OutcomeQueueNotFound       Outcome = "queue_not_found"
	OutcomeBrokerNotConfigured Outcome = "rabbitmq_not_configured"
	OutcomeOther               Outcome = "other"
)

// Result is what a sink reports for one publish attempt. StatusCode is only
// set by the webhook sink and refines the transience of http_status_not_2xx.
type Result struct {
	Outcome    Outcome
	StatusCode int
	ErrorMsg   string
}

// Transient reports whether the attempt is worth retrying. Non-2xx HTTP
// statuses retry only for 5xx; 4xx (besides the authorization pair, which
// classify separately) are treated as the destination rejecting the payload.
func (r Result) Transient() bool {
	switch r.Outcome {
	case OutcomeTimeout, OutcomeConnectionError:
		return true
	case OutcomeHTTPStatusNot2xx:
		return r.StatusCode >= 500 || r.StatusCode == 0
	}
	return false
}

func success() Result { return Result{Outcome: OutcomeSuccess} }

func failure(o Outcome, msg string) Result {
	return Result{Outcome: o, ErrorMsg: msg}
}
