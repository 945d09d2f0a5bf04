// Package reactor turns a declarative jq request into one engine process
// cycle and leaves the engine instance ready for the next request.
//
//	out, err := reactor.New(h).
//		WithInputString(`{"foo":"bar"}`).
//		WithFilter(".foo").
//		WithCompactOutput(true).
//		Run(ctx)
//
// A Reactor never decides whether its instance is still healthy; callers
// inspect the returned error (see errors.IsRecoverable) and either reuse the
// Reactor or Close it.
package reactor
