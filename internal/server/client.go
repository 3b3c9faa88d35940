package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the control service of a running batch
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control server at addr. Extra options are appended
// after the insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error { return c.conn.Close() }

// Progress returns the live snapshot of the running batch
func (c *Client) Progress(ctx context.Context) (Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetProgress, &emptypb.Empty{}, out); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := fromStruct(out, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode progress: %w", err)
	}
	return snap, nil
}

// Cancel requests cancellation of the running batch
func (c *Client) Cancel(ctx context.Context, graceful bool) error {
	return c.conn.Invoke(ctx, methodCancel, wrapperspb.Bool(graceful), new(emptypb.Empty))
}

// ResumeIntake lifts an intake pause
func (c *Client) ResumeIntake(ctx context.Context) error {
	return c.conn.Invoke(ctx, methodResumeIntake, &emptypb.Empty{}, new(emptypb.Empty))
}

// Resize sets the worker count and returns the value applied
func (c *Client) Resize(ctx context.Context, workers int) (int, error) {
	out := new(wrapperspb.Int32Value)
	if err := c.conn.Invoke(ctx, methodResize, wrapperspb.Int32(int32(workers)), out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}
