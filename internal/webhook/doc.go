// Package webhook turns signed HTTP POSTs into queued requests.
//
// Every endpoint is bound to one request type and verifies an HMAC-SHA256
// signature of the raw body, sent as "sha256=<hex>" or plain hex in the
// configured header. A verified JSON object body becomes the request data:
// string fields are kept as-is and other fields as their JSON text. Any other
// body is passed under the "body" key.
//
// Error responses never explain a signature failure:
//
//   - 403 Forbidden: invalid or missing signature
//   - 404 Not Found: unknown webhook path
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 500 Internal Server Error: submission failed
package webhook
