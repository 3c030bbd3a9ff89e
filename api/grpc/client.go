package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

// Client calls the automation service over gRPC
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the automation service at target
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// FireTrigger submits a trigger
func (c *Client) FireTrigger(ctx context.Context, trigger automation.Trigger) (*FireTriggerResponse, error) {
	out := new(FireTriggerResponse)
	if err := c.invoke(ctx, "FireTrigger", &FireTriggerRequest{Trigger: trigger}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resend retries one failed record
func (c *Client) Resend(ctx context.Context, recordID string) (*automation.ResendResult, error) {
	out := new(automation.ResendResult)
	if err := c.invoke(ctx, "Resend", &ResendRequest{RecordID: recordID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResendAllFailed retries every failed chain
func (c *Client) ResendAllFailed(ctx context.Context) (*automation.BulkResendResult, error) {
	out := new(automation.BulkResendResult)
	if err := c.invoke(ctx, "ResendAllFailed", &ResendAllFailedRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecords returns a page of the delivery history
func (c *Client) ListRecords(ctx context.Context, req ListRecordsRequest) (*ListRecordsResponse, error) {
	out := new(ListRecordsResponse)
	if err := c.invoke(ctx, "ListRecords", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns delivery statistics
func (c *Client) Stats(ctx context.Context) (*automation.Stats, error) {
	out := new(automation.Stats)
	if err := c.invoke(ctx, "Stats", &StatsRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
}
