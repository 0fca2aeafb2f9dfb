// Package rpc is the typed contract between upscale clients and the worker, and its NATS
// implementation.
//
// Subjects:
//
//	upscaler.rpc.upscale               client -> worker, reply subject set per request
//	upscaler.rpc.observers.add         request/reply
//	upscaler.rpc.observers.remove      request/reply
//	upscaler.rpc.ping                  request/reply
//	upscaler.client.<id>.reply.<corr>  worker -> client, upscale results
//	upscaler.client.<id>.progress      worker -> client, progress for the client's observers
//
// A client reads results and progress through one subscription on upscaler.client.<id>.>
// and the worker publishes both from one connection, so every progress event of a job
// reaches an observer before that job's result does.
//
// Client connections never reconnect on their own. A lost connection is reported through
// Handlers and the caller dials again.
package rpc
