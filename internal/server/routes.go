package server

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Synchronous JSON-RPC gateway.
	r.Post("/mcp", s.handleGateway)

	// SSE transport: long-lived stream plus per-client request endpoint.
	r.Get("/sse", s.handleStream)
	r.Post("/sse/{clientID}", s.handleDispatch)

	// Operational endpoints.
	r.Get("/health", s.handleHealth)
	if s.collector != nil {
		r.Get("/metrics", s.collector.Handler().ServeHTTP)
	}
	if s.history != nil {
		r.Get("/history", s.handleHistory)
	}
}
