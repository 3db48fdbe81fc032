package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pulseboard/pulse/internal/ingest"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/pkg/types"
)

func startServer(t *testing.T) (*grpc.ClientConn, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	RegisterIngestServiceServer(srv, NewIngestServer(ingest.New(st, ingest.DefaultConfig()), nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, st
}

func submit(ctx context.Context, conn *grpc.ClientConn, body map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	err = conn.Invoke(ctx, SubmitEventsMethod, req, resp, opts...)
	return resp, err
}

func event(n int) map[string]any {
	return map[string]any{
		"event_id":   fmt.Sprintf("evt_%020d", n),
		"event_type": "tool_call",
		"timestamp":  time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano),
		"session_id": "sess_00000000000000000001",
		"user_id":    "u1",
		"agent_id":   "a1",
	}
}

func TestSubmitEvents(t *testing.T) {
	conn, st := startServer(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(),
		"x-request-id", "req_from_grpc", "x-org-id", "acme")

	var header metadata.MD
	resp, err := submit(ctx, conn, map[string]any{"events": []any{event(1), event(2), map[string]any{"event_id": "bad"}}},
		grpc.Header(&header))
	if err != nil {
		t.Fatalf("SubmitEvents: %v", err)
	}

	fields := resp.GetFields()
	if got := fields["accepted"].GetNumberValue(); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := fields["rejected"].GetNumberValue(); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := fields["request_id"].GetStringValue(); got != "req_from_grpc" {
		t.Errorf("request_id = %q", got)
	}
	if ids := header.Get("x-request-id"); len(ids) != 1 || ids[0] != "req_from_grpc" {
		t.Errorf("response header request id %v", ids)
	}
	errs := fields["errors"].GetListValue().GetValues()
	if len(errs) != 1 || errs[0].GetStructValue().GetFields()["index"].GetNumberValue() != 2 {
		t.Errorf("unexpected errors %v", errs)
	}
	if st.Len() != 2 {
		t.Errorf("stored %d events", st.Len())
	}
}

func TestSubmitEvents_RequestErrors(t *testing.T) {
	conn, _ := startServer(t)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing events", map[string]any{}, "INVALID_JSON"},
		{"events not a list", map[string]any{"events": "x"}, "INVALID_JSON"},
		{"empty batch", map[string]any{"events": []any{}}, "EMPTY_BATCH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := submit(context.Background(), conn, tt.body)
			st, ok := status.FromError(err)
			if !ok || st.Code() != codes.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
			if len(st.Details()) != 1 {
				t.Fatalf("expected one detail, got %d", len(st.Details()))
			}
			detail, ok := st.Details()[0].(*structpb.Struct)
			if !ok {
				t.Fatalf("detail type %T", st.Details()[0])
			}
			if got := detail.GetFields()["code"].GetStringValue(); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
			if detail.GetFields()["request_id"].GetStringValue() == "" {
				t.Error("missing request_id detail")
			}
		})
	}
}

func TestExtractIdentity_ScopesLikeHTTP(t *testing.T) {
	tests := []struct {
		name      string
		md        metadata.MD
		wantOrg   string
		wantReqID string
	}{
		{"no metadata", nil, defaultOrgID, ""},
		{"valid ids", metadata.Pairs(metadataOrgID, "acme", metadataRequestID, "client-1"), "acme", "client-1"},
		{"org with space", metadata.Pairs(metadataOrgID, "acme corp"), defaultOrgID, ""},
		{"org with control byte", metadata.Pairs(metadataOrgID, "acme\x01"), defaultOrgID, ""},
		{"org too long", metadata.Pairs(metadataOrgID, strings.Repeat("o", types.MaxInboundIDLength+1)), defaultOrgID, ""},
		{"org at limit", metadata.Pairs(metadataOrgID, strings.Repeat("o", types.MaxInboundIDLength)), strings.Repeat("o", types.MaxInboundIDLength), ""},
		{"unprintable request id", metadata.Pairs(metadataRequestID, "req\tid"), defaultOrgID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			requestID, orgID := extractIdentity(ctx)
			if orgID != tt.wantOrg {
				t.Errorf("org = %q, want %q", orgID, tt.wantOrg)
			}
			if tt.wantReqID == "" {
				if !types.IsRequestID(requestID) {
					t.Errorf("request id = %q, want generated", requestID)
				}
			} else if requestID != tt.wantReqID {
				t.Errorf("request id = %q, want %q", requestID, tt.wantReqID)
			}
		})
	}
}

func TestToStatus_Categories(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{store.ErrClosed, codes.Unavailable},
		{fmt.Errorf("boom"), codes.Internal},
	}
	for _, tt := range tests {
		st, _ := status.FromError(toStatus(tt.err, "req_x"))
		if st.Code() != tt.want {
			t.Errorf("%v: code %v, want %v", tt.err, st.Code(), tt.want)
		}
		if tt.want == codes.Internal && st.Message() != "internal server error" {
			t.Errorf("internal message leaked: %q", st.Message())
		}
	}
}
