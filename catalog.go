package pipemux

// ToolEntry is a tool in the aggregated catalog, stamped with its owning
// worker. Tool names are not unique across workers; the (Worker, Name) pair
// is.
type ToolEntry struct {
	ToolInfo
	Worker string `json:"worker"`
}

// ResourceEntry is a resource in the aggregated catalog, stamped with its
// owning worker.
type ResourceEntry struct {
	ResourceInfo
	Worker string `json:"worker"`
}

// catalog is the merged view over every connected worker. Entries keep their
// per-worker order; workers appear in registration order.
type catalog struct {
	tools     []ToolEntry
	resources []ResourceEntry
}

// rebuild recomputes the catalog from scratch. conns must be passed in
// registration order; disconnected workers contribute nothing.
func (c *catalog) rebuild(conns []*WorkerConnection) {
	c.tools = c.tools[:0]
	c.resources = c.resources[:0]

	for _, conn := range conns {
		name, tools, resources, connected := conn.capabilities()
		if !connected {
			continue
		}
		for _, t := range tools {
			c.tools = append(c.tools, ToolEntry{ToolInfo: t, Worker: name})
		}
		for _, r := range resources {
			c.resources = append(c.resources, ResourceEntry{ResourceInfo: r, Worker: name})
		}
	}
}
