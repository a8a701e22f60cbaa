// Package device holds the vocabulary shared by the session core and the radio
// transports: UUID normalization and the error taxonomy.
//
// Errors fall into three groups:
//   - precondition errors (radio off, missing permissions, unknown address)
//   - session state errors (*ConnectionError: not connected, already connected, not discovered)
//   - catalog misses (*NotFoundError for services, characteristics and descriptors)
//
// None of them are fatal; callers log and report them to the host as a failed request.
package device
