package proxy

import (
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/logging"
	"github.com/hisnul/hisnul-cache/internal/server"
)

// Forwarder 根据路由名称（static/audio）选择 ProxyHandler，未注册时回退到默认 handler，
// 并把 handler 内的 panic 转换成 500 响应。
type Forwarder struct {
	defaultHandler server.ProxyHandler
	logger         *logrus.Logger

	mu       sync.RWMutex
	handlers map[string]server.ProxyHandler
}

// NewForwarder 创建 Forwarder。defaultHandler 可以为空，此时未注册的路由返回 500。
func NewForwarder(defaultHandler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		defaultHandler: defaultHandler,
		logger:         logger,
		handlers:       make(map[string]server.ProxyHandler),
	}
}

// Register 为指定路由绑定 handler，重复注册会覆盖。
func (f *Forwarder) Register(routeName string, handler server.ProxyHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handler == nil {
		delete(f.handlers, routeName)
		return
	}
	f.handlers[routeName] = handler
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	requestID := server.RequestID(c)
	handler := f.lookup(route)
	if handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) error {
	f.logRouteError(c, route, "route_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "route_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.OriginRoute, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.OriginRoute, recovered any, requestID string) error {
	f.logRouteError(c, route, "route_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "route_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logRouteError(c fiber.Ctx, route *server.OriginRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	upstream := ""
	routeName := ""
	if route != nil {
		routeName = route.Name
		if route.UpstreamURL != nil {
			upstream = route.UpstreamURL.String()
		}
	}
	fields := logging.RequestFields(c.Method(), string(c.Request().URI().Path()), upstream, requestID)
	fields["action"] = "proxy"
	fields["route"] = routeName
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("route handler unavailable")
}

func (f *Forwarder) lookup(route *server.OriginRoute) server.ProxyHandler {
	if route != nil {
		f.mu.RLock()
		handler, ok := f.handlers[route.Name]
		f.mu.RUnlock()
		if ok {
			return handler
		}
	}
	return f.defaultHandler
}
