// Package srpc implements a bidirectional object-oriented RPC runtime.
//
// Two peers, connected by a message channel, expose local objects, functions,
// and classes to each other, and invoke them as if they were local. Each
// [Peer] owns one end of the channel and is symmetric with its counterpart:
// both sides may register host targets and both sides may build proxies.
//
// The runtime is organised around a small set of cooperating parts:
//
//   - Channel abstraction ([Sender], [SyncSender], [Receiver]): polymorphic
//     over the capability set of the transport. [NewLocalPair] provides an
//     in-process reference implementation supporting all three capabilities.
//   - Descriptors ([ObjectDescriptor], [FunctionDescriptor],
//     [ClassDescriptor]): metadata naming which members of a target are
//     reachable, and how replies should be delivered.
//   - Marshalling: values are walked before send; callbacks, registered
//     instances, and live futures are replaced by identity-bearing sentinels,
//     and reconstructed on the receive side as proxies, callback funcs, or
//     [Future] handles that dispatch back over the channel.
//   - Proxy synthesis ([Proxy], [Proxy.Bind], [ProxyFunc]): given a remote
//     object descriptor, produce a local value whose property reads, property
//     writes, and method invocations are routed through the channel using the
//     call style (void / sync / async) negotiated per member.
//
// Transports beyond the in-process pair live in subpackages: streamchannel
// frames messages over any io.ReadWriteCloser, and grpcchannel carries them
// over a gRPC bidirectional stream.
//
// The runtime assumes inbound messages are delivered by one reader at a time,
// in order, and processes each to completion before starting the next.
// Outbound sends may originate on any goroutine; registries and the
// pending-call table are internally synchronized.
package srpc
