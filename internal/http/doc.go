// Package http provides the operator API of the reconciler.
//
// The router exposes the following endpoints:
//   - GET /healthz: reports storage reachability and whether a pass is running.
//     Response: {"status","pass_running"}; 503 when the store cannot be reached.
//   - GET /changes?term=&status=&section=&field=&limit=: lists change records in
//     insertion order using the `changeDTO` payload defined in change_handler.go.
//     status and field accept comma separated values.
//   - POST /passes?term=: runs one reconciliation pass and returns its PassReport.
//     term may be omitted when exactly one term is configured. Returns 409 while
//     another pass is running.
//   - GET /metrics: Prometheus exposition of the reconciler metrics.
//
// POST /passes requires the operator token as a bearer token when one is configured.
package http
