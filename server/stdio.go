package server

import (
	"context"
	"io"

	"github.com/sourcegraph/jsonrpc2"
)

type stdioReadWriteCloser struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stdioReadWriteCloser) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stdioReadWriteCloser) Write(p []byte) (int, error) { return s.writer.Write(p) }
func (s *stdioReadWriteCloser) Close() error {
	_ = s.reader.Close()
	return s.writer.Close()
}

// ServeStdio answers plain JSON-RPC objects read from in, writing the
// responses to out. It returns when ctx is cancelled or the peer hangs up.
func (s *WidgetServer) ServeStdio(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(&stdioReadWriteCloser{reader: in, writer: out}, jsonrpc2.PlainObjectCodec{})
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		return s.Dispatch(ctx, req.Method, req.Params)
	})
	conn := jsonrpc2.NewConn(ctx, stream, handler)
	s.Logger.Printf("MCP server attached to stdio with %d tools", s.Tools.Len())
	select {
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-conn.DisconnectNotify():
		return nil
	}
}
