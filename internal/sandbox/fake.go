package sandbox

import "context"

// FakeSandbox is a scripted Sandbox for tests in executionworker.
type FakeSandbox struct {
	Result *ExecuteResult
	Err    error
	Calls  []ExecuteRequest
}

func (f *FakeSandbox) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	f.Calls = append(f.Calls, req)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Result, nil
}
