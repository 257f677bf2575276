package control

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	_ "github.com/nova-infer/server/pkg/control/codec"
)

func dialTestServer(t *testing.T, srv Server) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	s := grpc.NewServer()
	RegisterServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewClient(conn)
}

func TestInferClientCallsThroughToServer(t *testing.T) {
	var got *InferRequest
	srv := &fakeServer{}
	srv.loadModel = func(context.Context, *LoadModelRequest) (*LoadModelResponse, error) {
		return &LoadModelResponse{}, nil
	}

	c := dialTestServer(t, &recordingServer{fakeServer: srv, onInfer: func(req *InferRequest) { got = req }})

	client := InferClient{Client: c, Model: "echo"}
	err := client.Infer("corr-1", true, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "echo", got.Model)
	require.Equal(t, "corr-1", got.CorrelationID)
	require.True(t, got.SequenceStart)
}

type recordingServer struct {
	*fakeServer
	onInfer func(*InferRequest)
}

func (r *recordingServer) Infer(ctx context.Context, req *InferRequest) (*InferResponse, error) {
	r.onInfer(req)
	return &InferResponse{}, nil
}
