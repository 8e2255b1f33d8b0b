// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "ztunnel.discovery.v1.Discovery"
const streamMethod = "/" + serviceName + "/StreamUpdates"

// codecCallOption forces every call on this package's client/server to use
// the JSON wire codec registered above.
var codecCallOption = grpc.CallContentSubtype(jsonCodec{}.Name())

// Server is the server-side handler a DiscoveryTransport implementation
// registers against a *grpc.Server.
type Server interface {
	StreamUpdates(StreamUpdatesServer) error
}

// StreamUpdatesServer is the server's (control-plane) view of the bidi
// stream: it pushes Batch messages as discovery state changes and reads back
// one Ack per batch, matching the direction real ADS streams push resources.
type StreamUpdatesServer interface {
	Send(*Batch) error
	Recv() (*Ack, error)
	grpc.ServerStream
}

type streamUpdatesServer struct{ grpc.ServerStream }

func (x *streamUpdatesServer) Send(m *Batch) error { return x.ServerStream.SendMsg(m) }
func (x *streamUpdatesServer) Recv() (*Ack, error) {
	m := new(Ack)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamUpdates",
			Handler:       streamUpdatesHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "ztunnel/discovery.proto",
}

func streamUpdatesHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).StreamUpdates(&streamUpdatesServer{stream})
}

// RegisterServer registers srv against s under this package's hand-defined
// service descriptor.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Client is the client-side stub.
type Client interface {
	StreamUpdates(ctx context.Context) (StreamUpdatesClient, error)
}

// StreamUpdatesClient is the client's (ztunnel's) view of the bidi stream:
// it receives pushed Batch messages and acks each one back.
type StreamUpdatesClient interface {
	Send(*Ack) error
	Recv() (*Batch, error)
	grpc.ClientStream
}

type client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established *grpc.ClientConn.
func NewClient(cc grpc.ClientConnInterface) Client {
	return &client{cc: cc}
}

func (c *client) StreamUpdates(ctx context.Context) (StreamUpdatesClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod, codecCallOption)
	if err != nil {
		return nil, err
	}
	return &streamUpdatesClient{stream}, nil
}

type streamUpdatesClient struct{ grpc.ClientStream }

func (x *streamUpdatesClient) Send(m *Ack) error { return x.ClientStream.SendMsg(m) }
func (x *streamUpdatesClient) Recv() (*Batch, error) {
	m := new(Batch)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
