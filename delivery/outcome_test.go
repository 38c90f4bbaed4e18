package delivery

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestResult_Transient(t *testing.T) {
	cases := []struct {
		name      string
		result    Result
		transient bool
	}{
		{"success", Result{Outcome: OutcomeSuccess}, false},
		{"timeout", Result{Outcome: OutcomeTimeout}, true},
		{"connection error", Result{Outcome: OutcomeConnectionError}, true},
		{"authorization error", Result{Outcome: OutcomeAuthorizationError, StatusCode: 401}, false},
		{"http 500", Result{Outcome: OutcomeHTTPStatusNot2xx, StatusCode: 500}, true},
		{"http 503", Result{Outcome: OutcomeHTTPStatusNot2xx, StatusCode: 503}, true},
		{"http 404", Result{Outcome: OutcomeHTTPStatusNot2xx, StatusCode: 404}, false},
		{"http 422", Result{Outcome: OutcomeHTTPStatusNot2xx, StatusCode: 422}, false},
		{"exchange not found", Result{Outcome: OutcomeExchangeNotFound}, false},
		{"queue not found", Result{Outcome: OutcomeQueueNotFound}, false},
		{"broker not configured", Result{Outcome: OutcomeBrokerNotConfigured}, false},
		{"other", Result{Outcome: OutcomeOther}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, tc.result.Transient())
		})
	}
}

func TestResult_TransientProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("4xx statuses are never transient", prop.ForAll(
		func(status int) bool {
			r := Result{Outcome: OutcomeHTTPStatusNot2xx, StatusCode: status}
			return !r.Transient()
		},
		gen.IntRange(400, 499),
	))

	properties.Property("5xx statuses are always transient", prop.ForAll(
		func(status int) bool {
			r := Result{Outcome: OutcomeHTTPStatusNot2xx, StatusCode: status}
			return r.Transient()
		},
		gen.IntRange(500, 599),
	))

	properties.Property("status code never affects non-http outcomes", prop.ForAll(
		func(status int, idx int) bool {
			outcomes := []Outcome{
				OutcomeSuccess, OutcomeAuthorizationError, OutcomeTimeout,
				OutcomeConnectionError, OutcomeExchangeNotFound,
				OutcomeQueueNotFound, OutcomeBrokerNotConfigured, OutcomeOther,
			}
			o := outcomes[idx%len(outcomes)]
			with := Result{Outcome: o, StatusCode: status}
			without := Result{Outcome: o}
			return with.Transient() == without.Transient()
		},
		gen.IntRange(0, 599),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}
