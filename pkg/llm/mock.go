package llm

import "context"

// MockClient is a scriptable Client for tests. Each call pops the next
// queued response; when the queue is empty CompleteFunc answers, and
// when neither is set the call reports ErrDisabled.
type MockClient struct {
	Queue        []Response
	CompleteFunc func(ctx context.Context, req Request) Response

	Requests []Request
}

func (m *MockClient) Complete(ctx context.Context, req Request) Response {
	m.Requests = append(m.Requests, req)
	if len(m.Queue) > 0 {
		resp := m.Queue[0]
		m.Queue = m.Queue[1:]
		return resp
	}
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return Response{Err: ErrDisabled}
}

func (m *MockClient) Enabled() bool { return true }
