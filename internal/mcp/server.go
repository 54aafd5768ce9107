package mcp

import (
	"context"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dshills/bookstore-orders/internal/config"
	"github.com/dshills/bookstore-orders/internal/coordinator"
	"github.com/dshills/bookstore-orders/internal/query"
	"github.com/dshills/bookstore-orders/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "bookstore-orders"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp         *server.MCPServer
	storage     storage.Storage
	coordinator *coordinator.Coordinator
	query       *query.Service
	logger      *zap.Logger
}

// NewServer creates a new MCP server exposing the order tools
func NewServer(store storage.Storage, coord *coordinator.Coordinator, svc *query.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		config.ServiceVersion,
		server.WithToolCapabilities(false),
	)

	s := &Server{
		mcp:         mcpServer,
		storage:     store,
		coordinator: coord,
		query:       svc,
		logger:      logger.Named("mcp"),
	}

	s.registerTools()

	return s
}

// Serve runs the MCP protocol on stdio until ctx is cancelled or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

// ServeIO runs the MCP protocol over the given streams
func (s *Server) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("serving MCP on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(placeOrderTool(), s.handlePlaceOrder)
	s.mcp.AddTool(getOrderTool(), s.handleGetOrder)
	s.mcp.AddTool(listOrdersTool(), s.handleListOrders)
	s.mcp.AddTool(updateOrderStatusTool(), s.handleUpdateOrderStatus)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
