package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// Serve is the worker side of the protocol: it reads framed requests from r,
// runs them through h in order and writes each response to w. It returns nil
// when r reaches end of stream.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	br := bufio.NewReaderSize(r, 1<<20)
	bw := bufio.NewWriterSize(w, 1<<20)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req Request
		if err := ReadFrame(br, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := safeHandle(ctx, h, req)
		if err := WriteFrame(bw, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}
	}
}

func safeHandle(ctx context.Context, h Handler, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: fmt.Sprintf("handler panic: %v", r)}
		}
		resp.ID, resp.Op = req.ID, req.Op
	}()
	return h.Handle(ctx, req)
}
