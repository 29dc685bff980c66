package vbucket

// Packet pairs a wire Frame with the routing-only metadata the
// dispatcher and vbucket map need but which never goes on the wire.
type Packet struct {
	Frame *Frame

	// IsReplica routes to vmap[idx].Replica instead of .Primary.
	IsReplica bool
}
