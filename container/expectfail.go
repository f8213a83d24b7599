package container

import (
	"context"

	"github.com/systest/systest/apperrors"
	"github.com/systest/systest/outcome"
	"github.com/systest/systest/registry"
)

// ExpectFail wraps a registry.Test for which FAILED is the expected,
// successful result: it swallows a FAILED abort from the wrapped test
// (treating it as the test having done its job) and, if every phase runs
// to completion without one, raises FAILED itself, since the failure the
// test was written to exercise never happened. The wrapped test's own
// outcome bookkeeping (whatever it reports through its procuser.User) is
// untouched — only the value returned from each phase is inverted.
type ExpectFail struct {
	Inner  registry.Test
	failed bool
}

func (e *ExpectFail) Setup(ctx context.Context) error {
	return e.observe(e.Inner.Setup(ctx))
}

func (e *ExpectFail) Execute(ctx context.Context) error {
	return e.observe(e.Inner.Execute(ctx))
}

func (e *ExpectFail) Validate(ctx context.Context) error {
	if err := e.observe(e.Inner.Validate(ctx)); err != nil {
		return err
	}
	if !e.failed {
		return apperrors.Abort(outcome.FAILED, "expected failure did not occur")
	}
	return apperrors.Abort(outcome.PASSED, "expected failure occurred")
}

func (e *ExpectFail) Cleanup(ctx context.Context) error {
	return e.Inner.Cleanup(ctx)
}

// observe absorbs a FAILED abort from the inner test, recording it and
// letting the remaining phases run normally; any other error (a different
// outcome, an infrastructure fault) passes straight through unmodified.
func (e *ExpectFail) observe(err error) error {
	var appErr *apperrors.Error
	if apperrors.As(err, &appErr) && appErr.Kind == apperrors.KindAbort && appErr.Outcome == outcome.FAILED {
		e.failed = true
		return nil
	}
	return err
}
