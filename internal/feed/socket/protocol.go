package socket

import (
	"errors"
	"fmt"

	"github.com/golang/protobuf/proto"

	"routerelay/internal/delivery"
	"routerelay/internal/domain"
)

type Operation int32

const (
	OperationUnknown Operation = 0
	OperationDeliver Operation = 1
	OperationPing    Operation = 2
	OperationHealth  Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK                 ErrorCode = 0
	ErrorCodeBadRequest         ErrorCode = 1
	ErrorCodeUnauthenticated    ErrorCode = 2
	ErrorCodeUnresolvableTarget ErrorCode = 3
	ErrorCodeDropped            ErrorCode = 4
	ErrorCodeOverloaded         ErrorCode = 5
	ErrorCodeInternal           ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "OK"
	case ErrorCodeBadRequest:
		return "BAD_REQUEST"
	case ErrorCodeUnauthenticated:
		return "UNAUTHENTICATED"
	case ErrorCodeUnresolvableTarget:
		return "UNRESOLVABLE_TARGET"
	case ErrorCodeDropped:
		return "DROPPED"
	case ErrorCodeOverloaded:
		return "OVERLOADED"
	case ErrorCodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int32(c))
	}
}

type SocketRequest struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Deliver   *DeliverRequest `protobuf:"bytes,4,opt,name=deliver,proto3"`
	Ping      *PingRequest    `protobuf:"bytes,5,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Deliver      *DeliverResponse `protobuf:"bytes,4,opt,name=deliver,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// PositionTick is the wire form of domain.PositionEvent.
type PositionTick struct {
	RouteId      string  `protobuf:"bytes,1,opt,name=route_id,json=routeId,proto3"`
	ConnectionId string  `protobuf:"bytes,2,opt,name=connection_id,json=connectionId,proto3"`
	Lat          float64 `protobuf:"fixed64,3,opt,name=lat,proto3"`
	Lng          float64 `protobuf:"fixed64,4,opt,name=lng,proto3"`
	Finished     bool    `protobuf:"varint,5,opt,name=finished,proto3"`
}

func (*PositionTick) Reset()         {}
func (*PositionTick) String() string { return "PositionTick" }
func (*PositionTick) ProtoMessage()  {}

type DeliverRequest struct {
	Tick *PositionTick `protobuf:"bytes,1,opt,name=tick,proto3"`
}

func (*DeliverRequest) Reset()         {}
func (*DeliverRequest) String() string { return "DeliverRequest" }
func (*DeliverRequest) ProtoMessage()  {}

type DeliverResponse struct {
	RouteId      string `protobuf:"bytes,1,opt,name=route_id,json=routeId,proto3"`
	ConnectionId string `protobuf:"bytes,2,opt,name=connection_id,json=connectionId,proto3"`
}

func (*DeliverResponse) Reset()         {}
func (*DeliverResponse) String() string { return "DeliverResponse" }
func (*DeliverResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok              bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message         string `protobuf:"bytes,2,opt,name=message,proto3"`
	LiveConnections uint32 `protobuf:"varint,3,opt,name=live_connections,json=liveConnections,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationDeliver:
		if req.Deliver == nil || req.Deliver.Tick == nil {
			return fmt.Errorf("deliver tick is required")
		}
		if req.Deliver.Tick.RouteId == "" || req.Deliver.Tick.ConnectionId == "" {
			return fmt.Errorf("route_id and connection_id are required")
		}
	}
	return nil
}

func TickFromEvent(ev domain.PositionEvent) *PositionTick {
	return &PositionTick{RouteId: ev.RouteID, ConnectionId: ev.ConnectionID, Lat: ev.Position.Lat, Lng: ev.Position.Lng, Finished: ev.Finished}
}

func (t *PositionTick) Event() domain.PositionEvent {
	return domain.PositionEvent{RouteID: t.RouteId, ConnectionID: t.ConnectionId, Position: domain.Position{Lat: t.Lat, Lng: t.Lng}, Finished: t.Finished}
}

// codeFor maps a delivery outcome to its wire code.
func codeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeOK
	case errors.Is(err, delivery.ErrUnresolvableTarget):
		return ErrorCodeUnresolvableTarget
	case errors.Is(err, delivery.ErrDropped):
		return ErrorCodeDropped
	default:
		return ErrorCodeInternal
	}
}

// ResponseError turns a non-OK response back into an error. Delivery codes
// wrap the delivery package sentinels so callers can use errors.Is.
func ResponseError(res *SocketResponse) error {
	code := ErrorCode(res.ErrorCode)
	switch code {
	case ErrorCodeOK:
		return nil
	case ErrorCodeUnresolvableTarget:
		return fmt.Errorf("%w: %s", delivery.ErrUnresolvableTarget, res.ErrorMessage)
	case ErrorCodeDropped:
		return fmt.Errorf("%w: %s", delivery.ErrDropped, res.ErrorMessage)
	default:
		return fmt.Errorf("%s: %s", code, res.ErrorMessage)
	}
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
