// Package errors classifies relay failures.
//
// Every error the relay produces falls into one of three classes:
//
//   - Transient: connectivity problems, timeouts, a failed handshake. Retry.
//   - Invalid: a bad token, a malformed frame header, a protocol violation. Reject.
//   - Fatal: broken configuration. Stop.
//
// Wrap errors with component context so logs read consistently:
//
//	if err := sess.handshake(ctx); err != nil {
//	    return errors.WrapTransient(err, "Session", "Accept", "handshake")
//	}
//
// Sentinels such as ErrUnauthorized and ErrDecodeFailed survive wrapping and
// can be matched with errors.Is.
package errors
