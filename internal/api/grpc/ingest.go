// Package grpc exposes event ingestion over gRPC.
//
// The service is described by hand with structpb.Struct payloads so that the
// request and response bodies match the HTTP surface without generated stubs:
//
//	service IngestService {
//	  rpc SubmitEvents(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
package grpc

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/ingest"
	"github.com/pulseboard/pulse/pkg/types"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "pulse.v1.IngestService"

	// SubmitEventsMethod is the full method path of SubmitEvents.
	SubmitEventsMethod = "/" + ServiceName + "/SubmitEvents"

	metadataRequestID = "x-request-id"
	metadataOrgID     = "x-org-id"
	defaultOrgID      = "default"
)

// IngestServiceServer is the server API for pulse.v1.IngestService.
type IngestServiceServer interface {
	SubmitEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// IngestServiceDesc describes pulse.v1.IngestService for grpc.Server.RegisterService.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEvents", Handler: submitEventsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pulse/v1/ingest.proto",
}

// RegisterIngestServiceServer registers srv on s.
func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

func submitEventsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServiceServer).SubmitEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitEventsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServiceServer).SubmitEvents(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServer implements IngestServiceServer on top of an Ingestor.
type IngestServer struct {
	ingestor *ingest.Ingestor
	logger   *zap.Logger
}

// NewIngestServer creates a new gRPC ingest server.
func NewIngestServer(ingestor *ingest.Ingestor, logger *zap.Logger) *IngestServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestServer{ingestor: ingestor, logger: logger}
}

// SubmitEvents accepts {"events": [...]} and returns the batch outcome.
func (s *IngestServer) SubmitEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID, orgID := extractIdentity(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(metadataRequestID, requestID))

	field, ok := req.GetFields()["events"]
	if !ok || field.GetListValue() == nil {
		return nil, toStatus(errors.NewRequestError(errors.CodeInvalidJSON, "body must contain an events array").WithField("events"), requestID)
	}

	outcome, err := s.ingestor.Ingest(ctx, orgID, requestID, field.GetListValue().AsSlice())
	if err != nil {
		return nil, toStatus(err, requestID)
	}

	resp, err := toStruct(outcome)
	if err != nil {
		s.logger.Error("encode ingest outcome", zap.String("request_id", requestID), zap.Error(err))
		return nil, toStatus(errors.NewInternalError("failed to encode response", err), requestID)
	}
	return resp, nil
}

// extractIdentity reads the request id and org scope from incoming metadata.
func extractIdentity(ctx context.Context) (requestID, orgID string) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(metadataRequestID); len(ids) > 0 && types.IsInboundID(ids[0]) {
			requestID = ids[0]
		}
		if orgs := md.Get(metadataOrgID); len(orgs) > 0 && types.IsInboundID(orgs[0]) {
			orgID = orgs[0]
		}
	}
	if requestID == "" {
		requestID = types.NewRequestID()
	}
	if orgID == "" {
		orgID = defaultOrgID
	}
	return requestID, orgID
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// toStatus converts an error into a gRPC status carrying the error envelope
// as a Struct detail.
func toStatus(err error, requestID string) error {
	pe := errors.As(err)

	var code codes.Code
	switch {
	case pe.Code == errors.CodeQueryTimeout:
		code = codes.DeadlineExceeded
	case pe.Category == errors.ErrCategoryRequest, pe.Category == errors.ErrCategoryValidation:
		code = codes.InvalidArgument
	case pe.Category == errors.ErrCategoryStorage:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}

	msg := pe.Message
	if pe.Category == errors.ErrCategoryInternal {
		msg = "internal server error"
	}
	st := status.New(code, msg)

	detail := map[string]any{"code": pe.Code, "request_id": requestID}
	if pe.Field != "" {
		detail["field"] = pe.Field
	}
	if d, derr := structpb.NewStruct(detail); derr == nil {
		if withDetail, werr := st.WithDetails(d); werr == nil {
			st = withDetail
		}
	}
	return st.Err()
}
