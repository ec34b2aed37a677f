package transport

import (
	"context"

	"multiraft/internal"
	"multiraft/internal/raft"
)

// sourceNodeHeader is the gRPC metadata key carrying the id of the sending node
const sourceNodeHeader = "multiraft-source"

var sourceNode = internal.NewContextKey[raft.NodeID]("sourceNode")

func SetSourceNode(ctx context.Context, id raft.NodeID) context.Context {
	return sourceNode.With(ctx, id)
}

// SourceNode returns the node which sent the request being served
func SourceNode(ctx context.Context) (raft.NodeID, bool) {
	return sourceNode.From(ctx)
}
