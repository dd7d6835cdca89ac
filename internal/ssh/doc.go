// ssh implements a facade over the 'x/crypto/ssh' package, simplifying the
// following workflows:
//   - Private key parsing and ED25519 key generation/marshaling
//   - Dialing a remote host, classifying failures as retryable (the host is
//     not accepting SSH yet) or fatal
//   - Running a single command in a login shell and reporting its exit status
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
