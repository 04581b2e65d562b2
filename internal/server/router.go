package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for forwarding requests to
// the origin. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_hisnul_route"
	contextKeyRequestID = "_hisnul_request_id"
)

// NewApp builds a Fiber application with path based origin routing and
// structured error handling. Paths under /-/ are left to management routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, _ := getRouteFromContext(c)
		if route == nil {
			return renderOriginUnmapped(c, opts.Logger, requestPath(c), opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并按路径查找回源路由。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		p := requestPath(c)
		if isDiagnosticsPath(p) {
			return c.Next()
		}

		route, ok := opts.Registry.Lookup(p)
		if !ok {
			return renderOriginUnmapped(c, opts.Logger, p, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func renderOriginUnmapped(c fiber.Ctx, logger *logrus.Logger, path string, port int) error {
	logger.WithFields(logrus.Fields{
		"action": "origin_lookup",
		"path":   path,
		"port":   port,
	}).Warn("origin unmapped")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "origin_unmapped",
	})
}

func getRouteFromContext(c fiber.Ctx) (*OriginRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*OriginRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func requestPath(c fiber.Ctx) string {
	if p := string(c.Request().URI().Path()); p != "" {
		return p
	}
	return "/"
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
