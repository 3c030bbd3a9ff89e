package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

const serviceName = "automation.v1.AutomationService"

// FireTriggerRequest carries one trigger event
type FireTriggerRequest struct {
	Trigger automation.Trigger `json:"trigger"`
}

// FireTriggerResponse reports either the queued trigger id or the inline run
type FireTriggerResponse struct {
	TriggerID string                `json:"trigger_id"`
	Queued    bool                  `json:"queued"`
	Result    *automation.RunResult `json:"result,omitempty"`
}

// ResendRequest names the record to resend
type ResendRequest struct {
	RecordID string `json:"record_id"`
}

// ResendAllFailedRequest is empty
type ResendAllFailedRequest struct{}

// ListRecordsRequest filters the delivery history
type ListRecordsRequest struct {
	RuleID      string                    `json:"rule_id,omitempty"`
	RecipientID string                    `json:"recipient_id,omitempty"`
	Channel     automation.Channel        `json:"channel,omitempty"`
	Status      automation.DeliveryStatus `json:"status,omitempty"`
	Flagged     *bool                     `json:"flagged,omitempty"`
	Limit       int                       `json:"limit,omitempty"`
	Offset      int                       `json:"offset,omitempty"`
}

// ListRecordsResponse is a page of records
type ListRecordsResponse struct {
	Records []*automation.Record `json:"records"`
	Total   int                  `json:"total"`
}

// StatsRequest is empty
type StatsRequest struct{}

// AutomationServer is the server API for the automation service
type AutomationServer interface {
	FireTrigger(context.Context, *FireTriggerRequest) (*FireTriggerResponse, error)
	Resend(context.Context, *ResendRequest) (*automation.ResendResult, error)
	ResendAllFailed(context.Context, *ResendAllFailedRequest) (*automation.BulkResendResult, error)
	ListRecords(context.Context, *ListRecordsRequest) (*ListRecordsResponse, error)
	Stats(context.Context, *StatsRequest) (*automation.Stats, error)
}

// RegisterAutomationServer registers srv on s
func RegisterAutomationServer(s grpc.ServiceRegistrar, srv AutomationServer) {
	s.RegisterService(&serviceDesc, srv)
}

// unary adapts a typed method into a grpc method handler
func unary[Req any, Resp any](method string, call func(AutomationServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AutomationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AutomationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AutomationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("FireTrigger", AutomationServer.FireTrigger),
		unary("Resend", AutomationServer.Resend),
		unary("ResendAllFailed", AutomationServer.ResendAllFailed),
		unary("ListRecords", AutomationServer.ListRecords),
		unary("Stats", AutomationServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/grpc/service.go",
}
