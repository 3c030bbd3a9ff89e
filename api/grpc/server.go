package grpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
)

// TriggerRunner evaluates a trigger in process
type TriggerRunner interface {
	Run(ctx context.Context, trigger automation.Trigger) (*automation.RunResult, error)
}

// TriggerPublisher hands a trigger to the worker fleet
type TriggerPublisher interface {
	Publish(ctx context.Context, trigger automation.Trigger) (string, error)
}

// Server implements the AutomationService gRPC server
type Server struct {
	ledger    *automation.Ledger
	runner    TriggerRunner
	publisher TriggerPublisher
	health    *health.Server
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

var _ AutomationServer = (*Server)(nil)

// NewServer creates a new gRPC server. When publisher is nil, triggers are
// run inline by runner.
func NewServer(
	ledger *automation.Ledger,
	runner TriggerRunner,
	publisher TriggerPublisher,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ledger:    ledger,
		runner:    runner,
		publisher: publisher,
		health:    health.NewServer(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Register adds the automation and health services to s
func (s *Server) Register(gs *grpc.Server) {
	RegisterAutomationServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
}

// Shutdown marks every service as not serving
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// FireTrigger publishes or runs one trigger
func (s *Server) FireTrigger(ctx context.Context, req *FireTriggerRequest) (*FireTriggerResponse, error) {
	defer s.observe("fire_trigger")()

	trigger := req.Trigger
	if trigger.TriggerType == "" {
		return nil, status.Error(codes.InvalidArgument, "trigger_type is required")
	}
	if trigger.OccurredAt.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "occurred_at is required")
	}
	if len(trigger.Recipients) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one recipient is required")
	}
	for _, r := range trigger.Recipients {
		if r.ID == "" {
			return nil, status.Error(codes.InvalidArgument, "recipient id is required")
		}
	}

	s.logger.Info("gRPC FireTrigger request",
		zap.String("trigger_id", trigger.ID),
		zap.String("trigger_type", string(trigger.TriggerType)),
		zap.Int("recipients", len(trigger.Recipients)),
	)

	if s.publisher != nil {
		id, err := s.publisher.Publish(ctx, trigger)
		if err != nil {
			s.logger.Error("Failed to publish trigger", zap.Error(err))
			return nil, status.Error(codes.Unavailable, "failed to queue trigger")
		}
		return &FireTriggerResponse{TriggerID: id, Queued: true}, nil
	}

	result, err := s.runner.Run(ctx, trigger)
	if err != nil {
		s.logger.Error("Automation run failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return nil, toStatus(err)
	}
	return &FireTriggerResponse{TriggerID: result.TriggerID, Result: result}, nil
}

// Resend retries one failed record
func (s *Server) Resend(ctx context.Context, req *ResendRequest) (*automation.ResendResult, error) {
	defer s.observe("resend")()

	if req.RecordID == "" {
		return nil, status.Error(codes.InvalidArgument, "record_id is required")
	}
	result, err := s.ledger.Resend(ctx, req.RecordID)
	if err != nil {
		return nil, toStatus(err)
	}
	return result, nil
}

// ResendAllFailed retries the tip of every failed chain
func (s *Server) ResendAllFailed(ctx context.Context, _ *ResendAllFailedRequest) (*automation.BulkResendResult, error) {
	defer s.observe("resend_all_failed")()

	result, err := s.ledger.ResendAllFailed(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return result, nil
}

// ListRecords returns a filtered page of the delivery history
func (s *Server) ListRecords(ctx context.Context, req *ListRecordsRequest) (*ListRecordsResponse, error) {
	defer s.observe("list_records")()

	if req.Limit < 0 || req.Offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and offset must not be negative")
	}
	records, total, err := s.ledger.ListRecords(ctx, automation.RecordFilter{
		RuleID:      req.RuleID,
		RecipientID: req.RecipientID,
		Channel:     req.Channel,
		Status:      req.Status,
		Flagged:     req.Flagged,
		Limit:       req.Limit,
		Offset:      req.Offset,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListRecordsResponse{Records: records, Total: total}, nil
}

// Stats returns delivery statistics
func (s *Server) Stats(ctx context.Context, _ *StatsRequest) (*automation.Stats, error) {
	defer s.observe("stats")()

	stats, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return stats, nil
}

func (s *Server) observe(op string) func() {
	start := time.Now()
	return func() {
		s.metrics.RecordRequestDuration("grpc", op, time.Since(start).Seconds())
	}
}

// toStatus maps service errors onto gRPC codes
func toStatus(err error) error {
	var cfgErr *automation.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return status.Error(codes.InvalidArgument, cfgErr.Error())
	case errors.Is(err, automation.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, automation.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
