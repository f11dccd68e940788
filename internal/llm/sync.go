package llm

import "context"

// Turn is one drained Complete() call: either Text (a terminal structured
// reply) or a ToolCall the caller must service before calling Complete
// again with a ToolResult appended to the conversation.
type Turn struct {
	Text     string
	ToolCall *ToolCall
}

// CompleteSync drains one Provider.Complete call into a single Turn. Every
// caller in this repo (C5/C6/C7) wants exactly one terminal chunk per call;
// this is the seam that would change if an interactive streaming surface
// were added later.
func CompleteSync(ctx context.Context, p Provider, req *CompletionRequest) (*Turn, error) {
	chunks, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var turn Turn
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		turn.Text += chunk.Text
		if chunk.ToolCall != nil {
			turn.ToolCall = chunk.ToolCall
		}
		if chunk.Done {
			break
		}
	}
	return &turn, nil
}
