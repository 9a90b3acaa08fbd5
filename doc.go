// Package reqscope binds an expensive session-like resource to one logical
// request, reference-counts nested entries into the protected scope, and
// hands the binding across asynchronous suspension and resumption.
//
// A hosting dispatcher drives three hooks: OnScopeEnter before the protected
// logic runs, OnScopeExit after it completes synchronously, and
// OnAsyncSuspendStarted when it suspends instead. The first entry of a
// request opens the resource through the configured factory; nested entries
// reuse the existing binding and only bump a participation counter; the exit
// matching the opening entry closes the resource exactly once. When a
// request suspends, a continuation adapter captures the live binding and
// re-establishes it on resumption, possibly on another goroutine, or closes
// it if the suspension is abandoned.
//
// Basic usage:
//
//	interceptor, err := reqscope.New(reqscope.Config{
//		Factory: factory,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	req := reqscope.NewRequest()
//	ctx = reqscope.NewContext(ctx, req)
//
//	if err := interceptor.OnScopeEnter(ctx, req); err != nil {
//		return err
//	}
//	outcome := handle(ctx) // protected logic; nested regions re-enter
//	return interceptor.OnScopeExit(ctx, req, outcome)
//
// The pgxsession subpackage provides a factory backed by a pgx connection
// pool, with deferred-write sessions and NOTIFY-driven resumption.
package reqscope
