package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/atriumrtc/atrium-server/pkg/config"
	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/media"
)

const shutdownGracePeriod = 5 * time.Second

// AtriumServer hosts the signaling websocket and the metrics endpoint.
type AtriumServer struct {
	config      *config.Config
	rtcService  *RTCService
	roomManager *RoomManager
	httpServer  *http.Server
	running     atomic.Bool
	doneChan    chan struct{}
}

func NewAtriumServer(conf *config.Config, rtcService *RTCService, roomManager *RoomManager, engine media.Engine) *AtriumServer {
	s := &AtriumServer{
		config:      conf,
		rtcService:  rtcService,
		roomManager: roomManager,
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedHeaders: []string{"*"},
		}),
	}

	mux := http.NewServeMux()
	mux.Handle("/rtc", rtcService)
	if conf.PrometheusPort == 0 {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	// a dead media engine cannot be recovered in-process; shut down and let
	// the supervisor restart us
	engine.OnDied(func() {
		logger.Errorw("media engine died, shutting down")
		go s.Stop()
	})

	return s
}

func (s *AtriumServer) IsRunning() bool {
	return s.running.Load()
}

// Start serves until Stop is called, then drains rooms and shuts the HTTP
// server down.
func (s *AtriumServer) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("already running")
	}
	s.doneChan = make(chan struct{})

	listeners := make([]net.Listener, 0)
	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, s.config.Port))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	var promListener net.Listener
	if s.config.PrometheusPort > 0 {
		var err error
		promListener, err = net.Listen("tcp", fmt.Sprintf(":%d", s.config.PrometheusPort))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		go func() {
			_ = http.Serve(promListener, promMux)
		}()
	}

	for _, ln := range listeners {
		l := ln
		go func() {
			logger.Infow("starting Atrium server", "address", l.Addr().String())
			_ = s.httpServer.Serve(l)
		}()
	}

	<-s.doneChan

	s.roomManager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if promListener != nil {
		_ = promListener.Close()
	}

	return nil
}

func (s *AtriumServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.doneChan)
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
