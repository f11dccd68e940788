package llm

import "context"

// FakeProvider is a scripted Provider for tests in this package and in
// router/reuse/analysisworker, which all depend on llm.Provider rather than
// a concrete vendor client.
type FakeProvider struct {
	Responses []Turn
	calls     int
	Requests  []*CompletionRequest
}

func (f *FakeProvider) Name() string        { return "fake" }
func (f *FakeProvider) SupportsTools() bool { return true }
func (f *FakeProvider) Models() []Model     { return nil }

func (f *FakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	f.Requests = append(f.Requests, req)
	idx := f.calls
	f.calls++
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	ch := make(chan *CompletionChunk, 2)
	if idx < 0 {
		ch <- &CompletionChunk{Done: true}
		close(ch)
		return ch, nil
	}
	resp := f.Responses[idx]
	if resp.Text != "" {
		ch <- &CompletionChunk{Text: resp.Text}
	}
	if resp.ToolCall != nil {
		ch <- &CompletionChunk{ToolCall: resp.ToolCall}
	}
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}
