// Package admind is the gateway's admin HTTP surface: JSON inspection of
// the live connection map and per-connection debug queues, plus the
// Prometheus metrics endpoint.
package admind

import (
	"context"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvitebjorn/irc2me/irc"
	"github.com/kvitebjorn/irc2me/irc/gateway"
	"github.com/kvitebjorn/irc2me/irc/store"
)

type Server struct {
	supervisor *gateway.Supervisor

	echoServer *echo.Echo
	onceSetup  sync.Once
}

// New creates an admin server over the given supervisor.
func New(supervisor *gateway.Supervisor) *Server {
	return &Server{supervisor: supervisor}
}

func (s *Server) setup() {
	s.onceSetup.Do(func() {
		s.echoServer = echo.New()
		s.echoServer.HideBanner = true
		s.echoServer.Use(metricsMiddleware())
		s.route(s.echoServer)
	})
}

// Start serves the admin API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.setup()
	return s.echoServer.Start(addr)
}

// Shutdown stops the admin server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.echoServer == nil {
		return nil
	}
	return s.echoServer.Shutdown(ctx)
}

func (s *Server) route(e *echo.Echo) {
	e.GET("/api/connections", s.handleConnections)
	e.GET("/api/connections/:account/:network/debug", s.handleDebugLog)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		irc.Registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)))
}

// connectionInfo is the JSON shape of one live connection.
type connectionInfo struct {
	AccountID uint64             `json:"account_id"`
	NetworkID uint64             `json:"network_id"`
	Host      string             `json:"host"`
	Port      int                `json:"port"`
	TLS       string             `json:"tls"`
	Status    string             `json:"status"`
	Nick      string             `json:"nick"`
	Channels  map[string]*string `json:"channels"`
}

func (s *Server) handleConnections(c echo.Context) error {
	snapshot := s.supervisor.Snapshot()

	out := make([]connectionInfo, 0)
	for account, networks := range snapshot {
		for network, broadcast := range networks {
			conn := broadcast.Conn()
			server := conn.Server()
			out = append(out, connectionInfo{
				AccountID: uint64(account),
				NetworkID: uint64(network),
				Host:      server.Host,
				Port:      server.Port,
				TLS:       server.TLS.String(),
				Status:    conn.Status().String(),
				Nick:      conn.Nick(),
				Channels:  conn.Channels(),
			})
		}
	}

	return c.JSON(200, out)
}

func (s *Server) handleDebugLog(c echo.Context) error {
	account, err := strconv.ParseUint(c.Param("account"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(400, "bad account id")
	}
	network, err := strconv.ParseUint(c.Param("network"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(400, "bad network id")
	}

	snapshot := s.supervisor.Snapshot()
	broadcast, ok := snapshot[store.AccountID(account)][store.NetworkID(network)]
	if !ok {
		return echo.NewHTTPError(404, "no such connection")
	}

	return c.JSON(200, broadcast.Conn().DebugLog())
}
