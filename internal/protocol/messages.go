package protocol

import (
	"fmt"

	"github.com/xssnick/tonutils-go/tl"
)

// Protocol version
const Version = 1

// Error codes carried by Error
const (
	CodeUnknownMessage = 1
	CodeHandlerFailed  = 2
	CodeNotReady       = 3
	CodeVersion        = 4
)

// Register TL types
func init() {
	tl.Register(Hello{}, "tunnel.hello session_id:bytes version:int client:string = tunnel.Hello")
	tl.Register(HelloAck{}, "tunnel.helloAck session_id:bytes version:int server:string = tunnel.HelloAck")
	tl.Register(ProviderMessage{}, "tunnel.providerMessage query_id:long payload:bytes = tunnel.ProviderMessage")
	tl.Register(ProviderResponse{}, "tunnel.providerResponse query_id:long payload:bytes = tunnel.ProviderResponse")
	tl.Register(ProviderEmpty{}, "tunnel.providerEmpty query_id:long = tunnel.ProviderEmpty")
	tl.Register(Ping{}, "tunnel.ping nonce:long = tunnel.Ping")
	tl.Register(Pong{}, "tunnel.pong nonce:long = tunnel.Pong")
	tl.Register(Error{}, "tunnel.error query_id:long code:int message:string = tunnel.Error")
}

// Hello opens a session. SessionID identifies the client connection.
type Hello struct {
	SessionID []byte `tl:"bytes"`
	Version   int    `tl:"int"`
	Client    string `tl:"string"`
}

// HelloAck is the response to Hello
type HelloAck struct {
	SessionID []byte `tl:"bytes"`
	Version   int    `tl:"int"`
	Server    string `tl:"string"`
}

// ProviderMessage carries an opaque payload into the running tunnel
type ProviderMessage struct {
	QueryID int64  `tl:"long"`
	Payload []byte `tl:"bytes"`
}

// ProviderResponse carries the reply to a ProviderMessage
type ProviderResponse struct {
	QueryID int64  `tl:"long"`
	Payload []byte `tl:"bytes"`
}

// ProviderEmpty tells the sender the peer replied without data
type ProviderEmpty struct {
	QueryID int64 `tl:"long"`
}

// Ping is a keepalive message
type Ping struct {
	Nonce int64 `tl:"long"`
}

// Pong is the response to Ping
type Pong struct {
	Nonce int64 `tl:"long"`
}

// Error indicates a protocol error. QueryID is zero for session-level errors.
type Error struct {
	QueryID int64  `tl:"long"`
	Code    int    `tl:"int"`
	Message string `tl:"string"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel error %d: %s", e.Code, e.Message)
}

// Encode serializes a message with its TL constructor id
func Encode(msg any) ([]byte, error) {
	data, err := tl.Serialize(msg, true)
	if err != nil {
		return nil, fmt.Errorf("serialize %T: %w", msg, err)
	}
	return data, nil
}

// Decode parses a boxed message and returns a pointer to the concrete type
func Decode(data []byte) (any, error) {
	var hello Hello
	if _, err := tl.Parse(&hello, data, true); err == nil {
		return &hello, nil
	}

	var ack HelloAck
	if _, err := tl.Parse(&ack, data, true); err == nil {
		return &ack, nil
	}

	var msg ProviderMessage
	if _, err := tl.Parse(&msg, data, true); err == nil {
		return &msg, nil
	}

	var resp ProviderResponse
	if _, err := tl.Parse(&resp, data, true); err == nil {
		return &resp, nil
	}

	var empty ProviderEmpty
	if _, err := tl.Parse(&empty, data, true); err == nil {
		return &empty, nil
	}

	var ping Ping
	if _, err := tl.Parse(&ping, data, true); err == nil {
		return &ping, nil
	}

	var pong Pong
	if _, err := tl.Parse(&pong, data, true); err == nil {
		return &pong, nil
	}

	var perr Error
	if _, err := tl.Parse(&perr, data, true); err == nil {
		return &perr, nil
	}

	return nil, fmt.Errorf("unknown message (%d bytes)", len(data))
}
