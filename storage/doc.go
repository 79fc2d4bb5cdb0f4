// Package storage defines the persistence interfaces used by the
// authorization server: TokenStore for access and refresh tokens,
// ClientStore for dynamic client registrations, and FlowStore for pending
// authorization codes.
//
// The interfaces are deliberately narrow so that alternative backends can be
// dropped in without touching server logic. The in-memory implementation in
// the memory subpackage is the only one shipped; tokens do not survive a
// process restart, which clients experience as a 401 and recover from by
// re-running the authorization flow.
//
// Two operations carry atomicity requirements that implementations must
// honor:
//
//   - FlowStore.TakeAuthorizationCode is a combined get-and-delete. Under
//     concurrent exchange of the same code, exactly one caller receives the
//     record.
//   - TokenStore.TakeRefreshToken has the same contract for refresh token
//     rotation.
package storage
