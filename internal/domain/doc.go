// Package domain contains the core domain entities and value objects for scanship.
//
// This package represents the innermost layer of the Clean Architecture. It has
// no dependencies on infrastructure concerns (HTTP, file system, logging) and
// contains only business rules.
//
// # Entities
//
//   - [Record]: A captured document with its delivery status and attempt count
//   - [Status]: The delivery state machine (pending, uploading, uploaded, failed)
//   - [CompletionEvent]: A transfer result posted by the transport
//   - [TransferInfo]: A transfer the transport preserved across a restart
//
// # State Machine
//
//	pending --submit--> uploading --succeed--> uploaded
//	                        |
//	                        +------fail------> failed --submit--> uploading
//	                                             |
//	                                             +--rearm--> pending
//
// uploaded is terminal. [Transition] rejects every other pair with
// [ErrInvalidTransition], so a duplicated completion is a no-op.
package domain
