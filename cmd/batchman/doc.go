/*
Command batchman runs the batch aggregation manager: it accepts request
submissions over HTTP, groups them into provider batches per
(endpoint, model), drives each batch through the provider's asynchronous
batch API, and delivers per-request results to webhooks or AMQP
destinations.

	batchman serve                        # start the service
	batchman serve --config config.yaml   # with a config file
	batchman migrate up                   # apply schema migrations
	batchman health                       # probe a running instance
	batchman version                      # show build info
*/
package main
