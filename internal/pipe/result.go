package pipe

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/p-arndt/sandpipe/protocol"
)

// ResultOptions controls how SendResult splits a handler result.
type ResultOptions struct {
	StaticMaxBytes int
	ChunkSize      int
}

// SendResult writes a successful handler result for request id. Small
// buffered text bodies go out in one response frame; everything else is
// sent as a metadata frame, indexed base64 chunks and a terminating
// stream_end.
func SendResult(ctx context.Context, s Sender, id string, res *protocol.HandlerResult, opts ResultOptions) error {
	if protocol.IsStatic(res, opts.StaticMaxBytes) {
		return s.Send(ctx, &protocol.Response{
			ID:      id,
			Success: true,
			Response: &protocol.SerializedResponse{
				Status: res.Status,
				Header: res.Header,
				Body:   res.Body,
			},
		})
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}

	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if ct := header.Get("Content-Type"); ct != "" {
		header.Set(protocol.OriginalContentTypeHeader, ct)
	}
	header.Set("Content-Type", protocol.StreamContentType)
	header.Del("Content-Length")

	if err := s.Send(ctx, &protocol.Response{
		ID:      id,
		Success: true,
		Response: &protocol.SerializedResponse{
			Status:    res.Status,
			Header:    header,
			Streaming: true,
		},
	}); err != nil {
		return err
	}

	pieces := res.Chunks
	if !res.Chunked {
		pieces = [][]byte{res.Body}
	}

	index := 0
	for _, piece := range pieces {
		for len(piece) > 0 {
			n := min(len(piece), chunkSize)
			if err := s.Send(ctx, &protocol.StreamChunk{
				RequestID:  id,
				ChunkIndex: index,
				Data:       base64.StdEncoding.EncodeToString(piece[:n]),
			}); err != nil {
				return err
			}
			piece = piece[n:]
			index++
		}
	}

	return s.Send(ctx, &protocol.StreamEnd{RequestID: id, TotalChunks: index})
}

// SendError writes a failed response for request id.
func SendError(ctx context.Context, s Sender, id string, perr *protocol.Error) error {
	return s.Send(ctx, &protocol.Response{ID: id, Success: false, Error: perr})
}
