// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import "context"

// captureKey is the context key for stream capture.
type captureKey struct{}

// Capture receives every chunk a provider produces while serving a
// blocking Chat call. It lets the chat surface stream tokens to the
// client while the reasoning loop keeps its synchronous call shape.
type Capture struct {
	ch chan StreamChunk
}

// NewCapture creates a capture with a bounded chunk queue.
func NewCapture(size int) *Capture {
	if size <= 0 {
		size = 100
	}
	return &Capture{ch: make(chan StreamChunk, size)}
}

// Chunks returns the receive side of the capture queue.
func (c *Capture) Chunks() <-chan StreamChunk {
	return c.ch
}

// Close signals that no more chunks will arrive.
func (c *Capture) Close() {
	close(c.ch)
}

// Push forwards a chunk, dropping nothing: it blocks until the consumer
// drains the queue or ctx is cancelled.
func (c *Capture) Push(ctx context.Context, chunk StreamChunk) {
	select {
	case c.ch <- chunk:
	case <-ctx.Done():
	}
}

// WithCapture attaches a stream capture to the context.
func WithCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

// CaptureFrom returns the capture attached to ctx, if any.
func CaptureFrom(ctx context.Context) *Capture {
	c, _ := ctx.Value(captureKey{}).(*Capture)
	return c
}

// captureChat serves a blocking Chat through the provider's stream: every
// chunk is forwarded to the capture and accumulated into the returned
// response.
func captureChat(ctx context.Context, p Provider, capture *Capture, messages []Message, opts Options) (*Response, error) {
	ch, err := p.ChatStream(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	resp := &Response{Model: opts.Model}
	acc := newToolCallAccumulator()

	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}

		capture.Push(ctx, chunk)

		resp.Content += chunk.Content
		resp.Reasoning += chunk.Reasoning
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		for _, frag := range chunk.ToolCallFragments {
			acc.add(frag)
		}
	}

	if !acc.empty() {
		resp.ToolCalls = acc.toolCalls()
	}

	return resp, ctx.Err()
}
