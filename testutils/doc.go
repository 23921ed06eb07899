// Package testutils provides testing utilities shared across pgkeeper packages.
//
// Key components:
//   - FakeHandle: a scriptable db.Handle whose probes can fail, stall or ignore their context
//   - FakeFactory: a db.Factory that records every pool construction
//   - SetupTestDatabase: a real pgxpool handle for integration tests, skipped when
//     no PostgreSQL is configured
//
// Example usage:
//
//	func TestRecovery(t *testing.T) {
//		factory := testutils.NewFakeFactory()
//		factory.Configure = func(p db.Profile, h *testutils.FakeHandle) {
//			if p.Name == db.ProfileModerate {
//				h.SetPingError(errors.New("connection refused"))
//			}
//		}
//		// Pass factory.Open wherever a db.Factory is expected...
//	}
package testutils
