package mcp

// ToolAccess defines the access level required for a tool
type ToolAccess string

const (
	// AccessRead - read-only operation
	AccessRead ToolAccess = "read"
	// AccessWrite - modifies minion, task or schedule state
	AccessWrite ToolAccess = "write"
)

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerMinionTools(r)
	s.registerInterruptTools(r)
	s.registerTaskTools(r)
	s.registerProcessTools(r)
	if s.schedules != nil {
		s.registerScheduleTools(r)
	}
}
